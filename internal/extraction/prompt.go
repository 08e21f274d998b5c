package extraction

// invoiceExtractionPrompt is the shared prompt used by all providers. The
// schema here is the contract ParseDraft decodes against.
const invoiceExtractionPrompt = `You are extracting structured data from the text of an invoice. The text below was pulled from a PDF and has lost its layout, so table cells may appear on separate lines.

Return ONLY valid JSON in this exact format:
{
  "vendor": {
    "name": "string (required)",
    "address": "string or null",
    "taxId": "string or null"
  },
  "invoice": {
    "number": "string (required)",
    "date": "string (required, YYYY-MM-DD)",
    "currency": "string or null (ISO 4217 code, e.g. USD)",
    "subtotal": "number or null",
    "taxPercent": "number or null",
    "total": "number or null",
    "poNumber": "string or null",
    "poDate": "string or null (YYYY-MM-DD)",
    "lineItems": [
      {
        "description": "string",
        "unitPrice": "number",
        "quantity": "number",
        "total": "number"
      }
    ]
  }
}

Important:
- Return ONLY the JSON object, with no text before or after it
- Do not use markdown code blocks
- Use null for any optional field you cannot find; never guess or invent values
- Numbers must be JSON numbers, not strings, with no currency symbols or thousands separators
- taxPercent is a percentage (e.g. 8.5 for 8.5%), not an amount
- Keep line items in the order they appear in the document; use an empty array if there are none
- Copy the vendor name and invoice number exactly as printed`

// BuildPrompt returns the full prompt for a document's text. The output
// depends only on text.
func BuildPrompt(text string) string {
	return invoiceExtractionPrompt + "\n\nInvoice text:\n" + text
}
