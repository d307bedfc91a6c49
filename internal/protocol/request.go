package protocol

// RequestType is the verb of a viewer request.
type RequestType string

const (
	RequestOpen  RequestType = "open"
	RequestClose RequestType = "close"
	RequestPing  RequestType = "ping"
)

// Request is a viewer-to-service message.
type Request struct {
	Type     RequestType `json:"type"`
	Pathname string      `json:"pathname"`
}

func Open(pathname string) Request {
	return Request{Type: RequestOpen, Pathname: pathname}
}

func Close(pathname string) Request {
	return Request{Type: RequestClose, Pathname: pathname}
}

func Ping() Request {
	return Request{Type: RequestPing}
}
