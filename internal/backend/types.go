package backend

// Message is one entry of the chat transcript sent to the backend.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is the request body for the streaming chat endpoint.
// Think is a pointer so the field is omitted entirely for models that do
// not understand it.
type ChatRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
	Stream   bool      `json:"stream"`
	Think    *bool     `json:"think,omitempty"`
}

// Chunk is one incremental decode record from the backend stream.
type Chunk struct {
	Model   string `json:"model"`
	Message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"message"`
	Done bool `json:"done"`
}

// TagsResponse is the response from the model listing endpoint.
type TagsResponse struct {
	Models []Model `json:"models"`
}

// Model describes one installed model.
type Model struct {
	Name       string `json:"name"`
	ModifiedAt string `json:"modified_at"`
	Size       int64  `json:"size"`
	Digest     string `json:"digest"`
}
