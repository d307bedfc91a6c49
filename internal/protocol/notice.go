package protocol

import (
	"encoding/json"
	"fmt"
)

// Kind tags a Notice.
type Kind string

const (
	KindFile   Kind = "file"
	KindFolder Kind = "folder"
	KindRoot   Kind = "root"
	KindUnlink Kind = "unlink"
	KindEmpty  Kind = "empty"
	KindPing   Kind = "ping"
	KindPong   Kind = "pong"
	// KindDenied is only sent when the server is configured to report
	// rejected open requests.
	KindDenied Kind = "denied"
)

func (kind Kind) Valid() bool {
	switch kind {
	case KindFile, KindFolder, KindRoot, KindUnlink, KindEmpty, KindPing, KindPong, KindDenied:
		return true
	default:
		return false
	}
}

// Notice describes the entry Filename inside directory Pathname. Root
// notices carry only Pathname.
type Notice struct {
	Kind     Kind   `json:"eventType"`
	Filename string `json:"filename"`
	Pathname string `json:"pathname"`
}

type rootNotice struct {
	Kind     Kind   `json:"eventType"`
	Pathname string `json:"pathname"`
}

func (notice Notice) MarshalJSON() ([]byte, error) {
	if notice.Kind == KindRoot {
		return json.Marshal(rootNotice{Kind: notice.Kind, Pathname: notice.Pathname})
	}
	type plain Notice
	return json.Marshal(plain(notice))
}

func (notice Notice) String() string {
	if notice.Kind == KindRoot {
		return fmt.Sprintf("%s %s", notice.Kind, notice.Pathname)
	}
	return fmt.Sprintf("%s %s in %s", notice.Kind, notice.Filename, notice.Pathname)
}

func Root(pathname string) Notice {
	return Notice{Kind: KindRoot, Pathname: pathname}
}

func Empty(pathname string) Notice {
	return Notice{Kind: KindEmpty, Pathname: pathname}
}

func Pong() Notice {
	return Notice{Kind: KindPong}
}

func Denied(pathname string) Notice {
	return Notice{Kind: KindDenied, Pathname: pathname}
}
