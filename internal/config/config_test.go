package config

import (
	"strings"
	"testing"
)

const sampleConfig = `
ListenUDP 0.0.0.0:1812
ListenTCP 0.0.0.0:2083
LogLevel 3
LogDestination x-syslog:///

tls upstreamTLS {
	CACertificateFile /etc/radsecproxy/ca.pem
	CertificateFile /etc/radsecproxy/client.pem
	CertificateKeyFile /etc/radsecproxy/client-key.pem
}

client 198.51.100.1 {
	type udp
	secret testing123
}

server radius1.example.com {
	type tls
	secret upstreamsecret
	tls upstreamTLS
	statusserver on
	port 2284
}

realm example.com {
	server radius1.example.com
}

realm reject.example.net {
	reject Access denied for this realm
}
`

func TestParseFullConfig(t *testing.T) {
	cfg, err := Parse(strings.NewReader(sampleConfig))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	if cfg.ListenUDP != "0.0.0.0:1812" || cfg.ListenTCP != "0.0.0.0:2083" {
		t.Fatalf("unexpected listen addresses: %+v", cfg)
	}

	if cfg.LogLevel != 3 || cfg.LogDestination != "x-syslog:///" {
		t.Fatalf("unexpected log settings: %+v", cfg)
	}

	if len(cfg.TLS) != 1 || cfg.TLS[0].Name != "upstreamTLS" {
		t.Fatalf("expected one named tls block, got %+v", cfg.TLS)
	}

	if len(cfg.Clients) != 1 || cfg.Clients[0].Type != "udp" || cfg.Clients[0].Secret != "testing123" {
		t.Fatalf("unexpected client block: %+v", cfg.Clients)
	}

	if len(cfg.Servers) != 1 || !cfg.Servers[0].StatusServer || cfg.Servers[0].TLSName != "upstreamTLS" {
		t.Fatalf("unexpected server block: %+v", cfg.Servers)
	}

	if cfg.Servers[0].Port != 2284 {
		t.Fatalf("expected explicit port 2284, got %d", cfg.Servers[0].Port)
	}

	if len(cfg.Realms) != 2 {
		t.Fatalf("expected 2 realms, got %d", len(cfg.Realms))
	}

	if cfg.Realms[1].Message != "Access denied for this realm" {
		t.Fatalf("unexpected reject message: %q", cfg.Realms[1].Message)
	}

	if err := Validate(cfg); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestValidateRejectsUnknownServerReference(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Realms = []RealmBlock{{Pattern: "example.com", Server: "nosuchserver"}}

	if err := Validate(cfg); err == nil {
		t.Fatal("expected validation error for dangling server reference")
	}
}

func TestValidateRejectsMissingSecret(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Clients = []PeerBlock{{Name: "nas1", Type: "udp"}}

	if err := Validate(cfg); err == nil {
		t.Fatal("expected validation error for missing secret")
	}
}

func TestValidateRejectsTLSPeerWithoutTLSBlock(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Servers = []PeerBlock{{Name: "up1", Type: "tls", Secret: "s"}}

	if err := Validate(cfg); err == nil {
		t.Fatal("expected validation error for tls peer missing a tls reference")
	}
}

func TestValidateRejectsRealmWithNoOutcome(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Realms = []RealmBlock{{Pattern: "example.com"}}

	if err := Validate(cfg); err == nil {
		t.Fatal("expected validation error for a realm with neither server nor reject")
	}
}

func TestParseLogLevelMapping(t *testing.T) {
	cases := map[int]string{1: "DEBUG", 2: "INFO", 3: "WARN", 4: "ERROR"}

	for n, want := range cases {
		if got := ParseLogLevel(n).String(); got != want {
			t.Fatalf("level %d: got %s want %s", n, got, want)
		}
	}
}

func TestCommentsStripped(t *testing.T) {
	src := `
# a top-level comment
ListenUDP 0.0.0.0:1812 # trailing comment
`
	cfg, err := Parse(strings.NewReader(src))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	if cfg.ListenUDP != "0.0.0.0:1812" {
		t.Fatalf("expected comment to be stripped, got %q", cfg.ListenUDP)
	}
}
