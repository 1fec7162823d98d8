package ssolink

// Result codes shared by both roles. CodeOK is the only success value;
// brokers must treat every other code, including unknown positive ones, as
// failure.
const (
	CodeOK = 1

	// CodeNoSession is returned when a command arrives without an
	// ssoSession field. The broker client reuses the same code for
	// transport-level failures and the server for unknown commands.
	CodeNoSession = -1

	// CodeNotAttached means the presented broker session identifier has no
	// entry in the linking cache. Responses carrying it (or any other
	// broker-session failure) set Attached=false so the client re-attaches
	// instead of surfacing an error.
	CodeNotAttached = -2

	// CodeSessionStarted means the inbound request is already bound to a
	// local session whose id disagrees with the linked one.
	CodeSessionStarted = -3

	// CodeBadSessionID means the ssoSession value doesn't match the
	// sso-{broker}-{token}-{checksum} wire form.
	CodeBadSessionID = -4

	// CodeNoClientAddr means the linked local session has no bound client
	// address; the session is structurally unknown or corrupt.
	CodeNoClientAddr = -5

	// CodeChecksumFailed means re-deriving the session identifier with the
	// session's bound client address didn't reproduce the presented value.
	// The client IP may have changed since attach.
	CodeChecksumFailed = -6

	CodeNoBroker = -7
	CodeNoToken  = -8

	// CodeBadChecksum rejects an attach request whose checksum doesn't
	// match the derived value. Treated as potential forgery.
	CodeBadChecksum = -10

	// CodeUserNotFound means the session carries a principal for which the
	// directory has no record.
	CodeUserNotFound = -11

	// CodeInvalidBroker means the broker id is not registered.
	CodeInvalidBroker = -12

	// CodeMissingCredential is returned by login when username or password
	// is absent.
	CodeMissingCredential = 400

	// CodeBadCredentials is returned by login when the directory rejects
	// the username/password pair.
	CodeBadCredentials = 401
)

// Profile is the public subset of a user record exchanged over the wire.
// Nothing beyond these fields ever leaves the server.
type Profile struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email"`
	Mobile   string `json:"mobile"`
	Status   int    `json:"status"`
}

// Result is the envelope every protocol operation returns, on both roles.
// It is the sole inter-role contract: protocol failures travel in Code, not
// in HTTP status or Go errors.
type Result struct {
	Code    int      `json:"code"`
	Message string   `json:"message"`
	Data    *Profile `json:"data,omitempty"`
	Next    string   `json:"next,omitempty"`

	// Attached is set to false on responses whose failure means "no valid
	// linkage"; the broker client reacts by discarding its token and
	// re-attaching. Absent on success and on hard errors.
	Attached *bool `json:"attached,omitempty"`
}

// OK reports whether the result is the protocol's single success code.
func (r *Result) OK() bool {
	return r != nil && r.Code == CodeOK
}

// Success builds a success envelope.
func Success(message string) *Result {
	return &Result{Code: CodeOK, Message: message}
}

// Failure builds a failure envelope with the given code.
func Failure(code int, message string) *Result {
	return &Result{Code: code, Message: message}
}

// NotAttached marks the result as a re-attach signal and returns it.
func (r *Result) NotAttached() *Result {
	attached := false
	r.Attached = &attached
	return r
}
