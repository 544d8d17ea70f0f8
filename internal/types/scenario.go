package types

// TLSConfig holds client TLS settings for wss:// endpoints
type TLSConfig struct {
	CertFile           string `json:"certFile,omitempty" yaml:"certFile,omitempty"`                     // Client certificate (mTLS)
	KeyFile            string `json:"keyFile,omitempty" yaml:"keyFile,omitempty"`                       // Client private key (mTLS)
	CAFile             string `json:"caFile,omitempty" yaml:"caFile,omitempty"`                         // CA bundle for server verification
	InsecureSkipVerify bool   `json:"insecureSkipVerify,omitempty" yaml:"insecureSkipVerify,omitempty"` // Skip server certificate verification
}

// PhaseTimeouts bounds each harness phase, in milliseconds.
// Zero means the harness default.
type PhaseTimeouts struct {
	ConnectMs    int `json:"connectMs,omitempty" yaml:"connectMs,omitempty"`
	SubscribeMs  int `json:"subscribeMs,omitempty" yaml:"subscribeMs,omitempty"`
	BroadcastMs  int `json:"broadcastMs,omitempty" yaml:"broadcastMs,omitempty"`
	DisconnectMs int `json:"disconnectMs,omitempty" yaml:"disconnectMs,omitempty"`
}

// Expectation describes what every delivered payload must look like.
// Exact compares the whole body; Fields maps a JMESPath expression to the
// expected value rendered as a string.
type Expectation struct {
	Exact  string            `json:"exact,omitempty" yaml:"exact,omitempty"`
	Fields map[string]string `json:"fields,omitempty" yaml:"fields,omitempty"`
}

// IsEmpty reports whether no expectation is configured
func (e *Expectation) IsEmpty() bool {
	return e == nil || (e.Exact == "" && len(e.Fields) == 0)
}

// Scenario is a load-test definition as read from a scenario file
type Scenario struct {
	Name            string            `json:"name" yaml:"name"`
	URL             string            `json:"url" yaml:"url"`
	Users           int               `json:"users" yaml:"users"`
	Messages        int               `json:"messages" yaml:"messages"`
	Producers       int               `json:"producers,omitempty" yaml:"producers,omitempty"`
	Destination     string            `json:"destination" yaml:"destination"`
	SendDestination string            `json:"sendDestination,omitempty" yaml:"sendDestination,omitempty"`
	Payload         string            `json:"payload" yaml:"payload"`
	Converter       string            `json:"converter,omitempty" yaml:"converter,omitempty"` // "json" | "text"
	DialConcurrency int               `json:"dialConcurrency,omitempty" yaml:"dialConcurrency,omitempty"`
	WarmupURL       string            `json:"warmupUrl,omitempty" yaml:"warmupUrl,omitempty"`
	Headers         map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"` // WebSocket handshake headers
	Timeouts        PhaseTimeouts     `json:"timeouts,omitempty" yaml:"timeouts,omitempty"`
	Expect          *Expectation      `json:"expect,omitempty" yaml:"expect,omitempty"`
	TLS             *TLSConfig        `json:"tls,omitempty" yaml:"tls,omitempty"`
	Description     string            `json:"description,omitempty" yaml:"description,omitempty"`
}
