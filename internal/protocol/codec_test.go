package protocol

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestDecodeRequest(t *testing.T) {
	cases := []struct {
		name    string
		input   string
		want    Request
		wantErr bool
	}{
		{name: "open", input: `{"type":"open","pathname":"/data/docs"}`, want: Open("/data/docs")},
		{name: "close", input: `{"type":"close","pathname":"/data"}`, want: Close("/data")},
		{name: "ping without path", input: `{"type":"ping"}`, want: Ping()},
		{name: "ping with path", input: `{"type":"ping","pathname":""}`, want: Ping()},
		{name: "invalid json", input: `{"type":`, wantErr: true},
		{name: "missing type", input: `{"pathname":"/data"}`, wantErr: true},
		{name: "open missing path", input: `{"type":"open"}`, wantErr: true},
		{name: "unknown type", input: `{"type":"rename","pathname":"/data"}`, wantErr: true},
		{name: "array", input: `[{"type":"open","pathname":"/data"}]`, wantErr: true},
	}

	for _, testCase := range cases {
		t.Run(testCase.name, func(t *testing.T) {
			got, err := DecodeRequest([]byte(testCase.input))
			if testCase.wantErr {
				if !errors.Is(err, ErrMalformed) {
					t.Fatalf("expected ErrMalformed, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("decode request: %v", err)
			}
			if got != testCase.want {
				t.Fatalf("expected %+v, got %+v", testCase.want, got)
			}
		})
	}
}

func TestEncodeNoticeShapes(t *testing.T) {
	data, err := EncodeNotice(Root("/data"))
	if err != nil {
		t.Fatalf("encode root: %v", err)
	}
	if string(data) != `{"eventType":"root","pathname":"/data"}` {
		t.Fatalf("unexpected root encoding %s", data)
	}

	data, err = EncodeNotice(Pong())
	if err != nil {
		t.Fatalf("encode pong: %v", err)
	}
	if string(data) != `{"eventType":"pong","filename":"","pathname":""}` {
		t.Fatalf("unexpected pong encoding %s", data)
	}

	data, err = EncodeBatch(nil)
	if err != nil {
		t.Fatalf("encode empty batch: %v", err)
	}
	if string(data) != `[]` {
		t.Fatalf("expected empty array, got %s", data)
	}
}

func TestDecodeNoticesObjectAndArray(t *testing.T) {
	single, err := DecodeNotices([]byte(` {"eventType":"unlink","filename":"a.txt","pathname":"/data"}`))
	if err != nil {
		t.Fatalf("decode object: %v", err)
	}
	if diff := cmp.Diff([]Notice{{Kind: KindUnlink, Filename: "a.txt", Pathname: "/data"}}, single); diff != "" {
		t.Fatalf("unexpected notices (-want +got):\n%s", diff)
	}

	batch, err := DecodeNotices([]byte(`[{"eventType":"root","pathname":"/data"},{"eventType":"empty","filename":"","pathname":"/data/x"}]`))
	if err != nil {
		t.Fatalf("decode array: %v", err)
	}
	want := []Notice{Root("/data"), Empty("/data/x")}
	if diff := cmp.Diff(want, batch); diff != "" {
		t.Fatalf("unexpected batch (-want +got):\n%s", diff)
	}
}

func TestDecodeNoticesRejectsMalformed(t *testing.T) {
	for _, input := range []string{``, `42`, `{"eventType":`, `[{"eventType":"move"}]`} {
		if _, err := DecodeNotices([]byte(input)); !errors.Is(err, ErrMalformed) {
			t.Fatalf("input %q: expected ErrMalformed, got %v", input, err)
		}
	}
}

func TestBatchRoundTripPreservesOrder(t *testing.T) {
	batch := []Notice{
		{Kind: KindFile, Filename: "b.txt", Pathname: "/data/docs"},
		{Kind: KindFile, Filename: "A.txt", Pathname: "/data/docs"},
	}
	data, err := EncodeBatch(batch)
	if err != nil {
		t.Fatalf("encode batch: %v", err)
	}
	decoded, err := DecodeNotices(data)
	if err != nil {
		t.Fatalf("decode batch: %v", err)
	}
	if diff := cmp.Diff(batch, decoded); diff != "" {
		t.Fatalf("batch changed (-want +got):\n%s", diff)
	}
}
