package upstream

// Wire shapes for the realtime bidirectional generation protocol. The
// upstream service speaks JSON text frames over one persistent websocket per
// session: a setup handshake first, then interleaved realtime input, server
// content, and tool-call traffic.

// SetupMessage is the first client frame on a fresh socket.
type SetupMessage struct {
	Setup Setup `json:"setup"`
}

type Setup struct {
	Model             string           `json:"model"`
	GenerationConfig  GenerationConfig `json:"generation_config"`
	SystemInstruction *Content         `json:"system_instruction,omitempty"`
	Tools             []Tool           `json:"tools,omitempty"`
}

type GenerationConfig struct {
	ResponseModalities []string      `json:"response_modalities"`
	SpeechConfig       *SpeechConfig `json:"speech_config,omitempty"`
}

type SpeechConfig struct {
	VoiceConfig VoiceConfig `json:"voice_config"`
}

type VoiceConfig struct {
	PrebuiltVoiceConfig PrebuiltVoiceConfig `json:"prebuilt_voice_config"`
}

type PrebuiltVoiceConfig struct {
	VoiceName string `json:"voice_name"`
}

type Tool struct {
	FunctionDeclarations []FunctionDeclaration `json:"function_declarations"`
}

type FunctionDeclaration struct {
	Name        string  `json:"name"`
	Description string  `json:"description,omitempty"`
	Parameters  *Schema `json:"parameters,omitempty"`
}

type Schema struct {
	Type        string             `json:"type"`
	Description string             `json:"description,omitempty"`
	Enum        []string           `json:"enum,omitempty"`
	Properties  map[string]*Schema `json:"properties,omitempty"`
	Required    []string           `json:"required,omitempty"`
}

// RealtimeInputMessage carries client audio toward the model.
type RealtimeInputMessage struct {
	RealtimeInput RealtimeInput `json:"realtime_input"`
}

type RealtimeInput struct {
	MediaChunks []MediaChunk `json:"media_chunks"`
}

type MediaChunk struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"` // base64
}

// ToolResponseMessage acknowledges a toolCall so the conversation continues.
type ToolResponseMessage struct {
	ToolResponse ToolResponse `json:"tool_response"`
}

type ToolResponse struct {
	FunctionResponses []FunctionResponse `json:"function_responses"`
}

type FunctionResponse struct {
	ID       string         `json:"id"`
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

// ServerMessage is the envelope for every upstream text frame. Exactly one
// field is set per frame; frames with none recognized are dropped by the
// relay.
type ServerMessage struct {
	SetupComplete *SetupComplete `json:"setupComplete,omitempty"`
	ServerContent *ServerContent `json:"serverContent,omitempty"`
	ToolCall      *ToolCall      `json:"toolCall,omitempty"`
	GoAway        *GoAway        `json:"goAway,omitempty"`
}

type SetupComplete struct{}

type ServerContent struct {
	ModelTurn           *Content       `json:"modelTurn,omitempty"`
	TurnComplete        bool           `json:"turnComplete,omitempty"`
	Interrupted         bool           `json:"interrupted,omitempty"`
	InputTranscription  *Transcription `json:"inputTranscription,omitempty"`
	OutputTranscription *Transcription `json:"outputTranscription,omitempty"`
}

type Content struct {
	Role  string `json:"role,omitempty"`
	Parts []Part `json:"parts,omitempty"`
}

type Part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *InlineData `json:"inlineData,omitempty"`
}

type InlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"` // base64
}

type Transcription struct {
	Text string `json:"text"`
}

type ToolCall struct {
	FunctionCalls []FunctionCall `json:"functionCalls"`
}

type FunctionCall struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

// GoAway announces imminent server-side termination of the socket.
type GoAway struct {
	TimeLeft string `json:"timeLeft,omitempty"`
}
