package models

// ContentItem is a CMS-sourced piece of content used by message and question nodes.
type ContentItem struct {
	ID      string         `json:"id"`
	Type    string         `json:"type"`
	Tags    []string       `json:"tags,omitempty"`
	Content map[string]any `json:"content"`
}

// Text returns the displayable text of the item.
func (c *ContentItem) Text() string {
	for _, key := range []string{"text", "content", "body"} {
		if value, ok := c.Content[key].(string); ok {
			return value
		}
	}

	return ""
}
