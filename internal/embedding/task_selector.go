package embedding

// ContentType is the retrieval role of embedded text.
type ContentType string

const (
	ContentTypeQuery    ContentType = "query"    // search text from a session turn
	ContentTypeDocument ContentType = "document" // an indexed snippet
	ContentTypeCode     ContentType = "code"     // a snippet that is mostly source code
)

// SelectTaskType maps a content type to a GenAI task type.
func SelectTaskType(ct ContentType) string {
	switch ct {
	case ContentTypeQuery:
		return "RETRIEVAL_QUERY"
	case ContentTypeDocument, ContentTypeCode:
		return "RETRIEVAL_DOCUMENT"
	default:
		return "SEMANTIC_SIMILARITY"
	}
}

// DocumentContentType classifies a snippet for indexing. Snippets with a
// language are treated as code.
func DocumentContentType(language string) ContentType {
	if language != "" {
		return ContentTypeCode
	}
	return ContentTypeDocument
}
