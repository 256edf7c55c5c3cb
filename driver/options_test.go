package driver

import (
	"errors"
	"testing"
)

func TestParseDSN(t *testing.T) {
	tests := []struct {
		dsn     string
		want    Options
		wantErr bool
	}{
		{dsn: "mem:", want: Options{Mode: ModeEmbedded}},
		{dsn: "mem:shared", want: Options{Mode: ModeEmbedded, Memory: "shared"}},
		{dsn: "file:/tmp/g.db", want: Options{Mode: ModeEmbedded, Path: "/tmp/g.db"}},
		{dsn: "file:g.db?readonly=true", want: Options{Mode: ModeEmbedded, Path: "g.db", ReadOnly: true}},
		{dsn: "mem:?autocommit=false", want: Options{Mode: ModeEmbedded, ManualCommit: true}},
		{dsn: "http://localhost:7474", want: Options{Mode: ModeServer, URL: "http://localhost:7474"}},
		{dsn: "http://localhost:7474/", want: Options{Mode: ModeServer, URL: "http://localhost:7474"}},
		{dsn: "https://db.example.com?tx=auto", want: Options{Mode: ModeServer, URL: "https://db.example.com"}},
		{dsn: "http://h:1?tx=explicit&autocommit=false", want: Options{Mode: ModeServerTx, URL: "http://h:1", ManualCommit: true}},
		{dsn: "http://h:1?tx=explicit&readonly=1", want: Options{Mode: ModeServerTx, URL: "http://h:1", ReadOnly: true}},

		{dsn: "file:", wantErr: true},
		{dsn: "postgres://x", wantErr: true},
		{dsn: "http://", wantErr: true},
		{dsn: "http://h:1?tx=nested", wantErr: true},
		{dsn: "mem:?tx=explicit", wantErr: true},
		{dsn: "mem:?readonly=maybe", wantErr: true},
		{dsn: "mem:?timeout=5s", wantErr: true},
		{dsn: "http://h:1?autocommit=false", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.dsn, func(t *testing.T) {
			got, err := ParseDSN(tt.dsn)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParseDSN(%q) = %+v, want error", tt.dsn, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseDSN(%q) failed: %v", tt.dsn, err)
			}
			if got.Mode != tt.want.Mode || got.Memory != tt.want.Memory || got.Path != tt.want.Path ||
				got.URL != tt.want.URL || got.ReadOnly != tt.want.ReadOnly || got.ManualCommit != tt.want.ManualCommit {
				t.Errorf("ParseDSN(%q) = %+v, want %+v", tt.dsn, got, tt.want)
			}
		})
	}
}

func TestParseDSN_ManualCommitUnsupported(t *testing.T) {
	_, err := ParseDSN("http://h:1?autocommit=false")
	if !errors.Is(err, ErrAutoCommitUnsupported) {
		t.Errorf("err = %v, want ErrAutoCommitUnsupported", err)
	}
}

func TestModeString(t *testing.T) {
	for mode, want := range map[Mode]string{
		ModeEmbedded: "embedded",
		ModeServer:   "server",
		ModeServerTx: "server-tx",
		Mode(9):      "Mode(9)",
	} {
		if got := mode.String(); got != want {
			t.Errorf("String() = %q, want %q", got, want)
		}
	}
	if ModeServer.SupportsManualCommit() || !ModeServerTx.SupportsManualCommit() || !ModeEmbedded.SupportsManualCommit() {
		t.Error("SupportsManualCommit mismatch")
	}
}

func TestOpenServerWithoutURL(t *testing.T) {
	if _, err := OpenWithOptions(Options{Mode: ModeServer}); err == nil {
		t.Error("expected an error without URL")
	}
}
