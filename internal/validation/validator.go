package validation

// Validator checks workflow definition documents and tool inputs against
// JSON Schema Draft 2020-12.
type Validator interface {
	ValidateDocument(doc any) error
	ValidateInput(input map[string]any, inputSchema []byte) error
}
