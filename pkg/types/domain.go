package types

// Model represents a discoverable or loadable model checkpoint on disk.
type Model struct {
	// Stable identifier for the model.
	// example: tiny-stories-d8
	ID string `json:"id" example:"tiny-stories-d8"`
	// Human-friendly name.
	// example: tiny-stories-d8
	Name string `json:"name" example:"tiny-stories-d8"`
	// Absolute path to the checkpoint file on disk.
	// example: /home/user/models/tiny-stories-d8.ngpt
	Path string `json:"path" example:"/home/user/models/tiny-stories-d8.ngpt"`
	// Total trainable parameter count.
	// example: 1892352
	Params int64 `json:"params" example:"1892352"`
	// Model width (embedding dimension).
	// example: 512
	Dim int `json:"dim" example:"512"`
	// Number of transformer blocks.
	// example: 8
	Depth int `json:"depth" example:"8"`
	// Vocabulary size.
	// example: 256
	Vocab int `json:"vocab" example:"256"`
}
