package sip

// Command is a typed request handed to the CallRouter's command loop. Each
// command carries its own reply channel; the loop is the single consumer, so
// no command handler races another.
type Command interface {
	isCommand()
}

// CreateCallCommand originates a new outbound call.
type CreateCallCommand struct {
	AccountID int64

	// From is the caller identity: a client login, a number, or a SIP URI.
	From string

	// To is the callee: "client:NAME", a number, or a SIP URI.
	To string

	// VoiceURL and VoiceMethod locate the application that drives the call
	// once it is answered.
	VoiceURL    string
	VoiceMethod string

	// Timeout bounds the ring time in seconds. Zero means no bound.
	Timeout int

	Reply chan CreateCallResult
}

func (CreateCallCommand) isCommand() {}

// CreateCallResult is the outcome of a CreateCallCommand.
type CreateCallResult struct {
	LegID   string
	CallSid string
	Err     error
}

// ExecuteScriptCommand starts a voice application against an existing leg.
type ExecuteScriptCommand struct {
	LegID       string
	VoiceURL    string
	VoiceMethod string

	Reply chan error
}

func (ExecuteScriptCommand) isCommand() {}

// UpdateScriptCommand swaps the running application on a live call.
type UpdateScriptCommand struct {
	LegID       string
	VoiceURL    string
	VoiceMethod string

	// MoveConnectedLeg keeps the paired leg on the call by restarting an
	// interpreter on it too; otherwise the paired leg is hung up.
	MoveConnectedLeg bool

	Reply chan error
}

func (UpdateScriptCommand) isCommand() {}

// GetCallCommand fetches a snapshot of one leg.
type GetCallCommand struct {
	LegID string
	Reply chan *CallInfo
}

func (GetCallCommand) isCommand() {}

// CallInfo is a point-in-time view of a call leg.
type CallInfo struct {
	LegID     string
	CallID    string
	Direction string
	State     string
	RelatedID string
}

// GetActiveProxyCommand reads the active outbound proxy slot.
type GetActiveProxyCommand struct {
	Reply chan ProxyInfo
}

func (GetActiveProxyCommand) isCommand() {}

// SwitchProxyCommand forces a failover switch and reports the slot that is
// active afterwards.
type SwitchProxyCommand struct {
	Reply chan ProxyInfo
}

func (SwitchProxyCommand) isCommand() {}

// ProxyInfo describes one proxy slot.
type ProxyInfo struct {
	URI         string
	Active      bool
	FailedCalls int
	Err         error
}

// GetProxiesCommand lists the configured proxy slots.
type GetProxiesCommand struct {
	Reply chan []ProxyInfo
}

func (GetProxiesCommand) isCommand() {}
