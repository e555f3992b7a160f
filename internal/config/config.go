// Package config parses the radsecproxy.conf block grammar: top-level
// options, and client/server/realm/tls blocks delimited by braces. There is
// no suitable third-party parser for this bespoke, whitespace-tokenized
// grammar in the retrieved dependency pack (every config library found —
// koanf and its providers — targets key/value formats like YAML, not a
// hand-rolled block language), so this is a hand-written recursive-descent
// lexer and parser, justified in DESIGN.md.
package config

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/netip"
	"os"
	"strconv"
	"strings"
)

// Defaults applied when a top-level option is absent from the file.
const (
	DefaultListenUDP = "0.0.0.0:1812"
	DefaultListenTCP = "0.0.0.0:2083"
	DefaultLogLevel  = 2

	// DefaultPeerPortUDP and DefaultPeerPortTLS are applied to a
	// client/server block that doesn't set `port` explicitly.
	DefaultPeerPortUDP = 1812
	DefaultPeerPortTLS = 2083
)

// TLSConfig is a named `tls { ... }` block: the key material used by both
// InboundTLSServer (as its own identity) and TlsSession (as a client
// identity dialing out), selected by name from a server or client block's
// `tls` option.
type TLSConfig struct {
	Name               string
	CACertificateFile  string
	CertificateFile    string
	CertificateKeyFile string
}

// PeerBlock is a `client { ... }` or `server { ... }` block. Name doubles
// as the address to dial (server blocks) or match against a source
// address (client blocks); Port overrides the transport-type default
// (1812 for udp, 2083 for tls) when set.
type PeerBlock struct {
	Name         string
	Type         string // "udp" or "tls"
	Secret       string
	Port         int
	TLSName      string // references a TLSConfig.Name, TLS peers only
	StatusServer bool   // server blocks only
}

// RealmBlock is a `realm { ... }` block: routes to a named server, or
// rejects with an optional message when Server is empty and Reject is true.
type RealmBlock struct {
	Pattern string
	Server  string
	Reject  bool
	Message string
}

// Config is the fully parsed configuration file.
type Config struct {
	ListenUDP      string
	ListenTCP      string
	LogLevel       int
	LogDestination string

	Clients []PeerBlock
	Servers []PeerBlock
	Realms  []RealmBlock
	TLS     []TLSConfig
}

// Validation errors (LogConfig/Validate idiom, adapted for this grammar).
var (
	ErrUnknownPeerType      = errors.New("peer type must be udp or tls")
	ErrMissingSecret        = errors.New("peer block missing a secret")
	ErrMissingTLSReference  = errors.New("tls peer references an undefined tls block")
	ErrMissingServerRef     = errors.New("realm references an undefined server")
	ErrDuplicatePeerName    = errors.New("duplicate client or server name")
	ErrDuplicateTLSName     = errors.New("duplicate tls block name")
	ErrRealmMissingOutcome  = errors.New("realm block needs either a server or reject")
	ErrLogLevelOutOfRange   = errors.New("LogLevel must be between 1 and 4")
)

// DefaultConfig returns a Config with the documented defaults and nothing
// else configured.
func DefaultConfig() *Config {
	return &Config{
		ListenUDP: DefaultListenUDP,
		ListenTCP: DefaultListenTCP,
		LogLevel:  DefaultLogLevel,
	}
}

// Load reads and parses the configuration file at path, then validates it.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %s: %w", path, err)
	}
	defer f.Close()

	cfg, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config: validate %s: %w", path, err)
	}

	return cfg, nil
}

// Parse reads the block grammar from r into a Config, applying defaults for
// any top-level option left unspecified.
func Parse(r io.Reader) (*Config, error) {
	toks, err := tokenize(r)
	if err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	p := &parser{tokens: toks}

	for !p.atEnd() {
		if err := p.parseTopLevel(cfg); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// token is one lexical element: a bare word, or a brace. endOfLine marks the
// last token of its source line.
type token struct {
	text      string
	isBrace   bool
	endOfLine bool
}

// tokenize splits the input on whitespace, keeping quoted strings (for
// Reply-Message text and file paths with spaces) intact, and treats `{`
// and `}` as standalone tokens regardless of surrounding whitespace. A `#`
// starts a comment that runs to end of line.
func tokenize(r io.Reader) ([]token, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), 1<<20)

	var toks []token

	for scanner.Scan() {
		line := scanner.Text()
		if idx := strings.IndexByte(line, '#'); idx >= 0 {
			line = line[:idx]
		}

		lineToks := tokenizeLine(line)
		if len(lineToks) > 0 {
			lineToks[len(lineToks)-1].endOfLine = true
		}

		toks = append(toks, lineToks...)
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}

	return toks, nil
}

func tokenizeLine(line string) []token {
	var toks []token

	var b strings.Builder
	inQuotes := false

	flush := func() {
		if b.Len() > 0 {
			toks = append(toks, token{text: b.String()})
			b.Reset()
		}
	}

	for _, r := range line {
		switch {
		case r == '"':
			inQuotes = !inQuotes
		case inQuotes:
			b.WriteRune(r)
		case r == '{' || r == '}':
			flush()
			toks = append(toks, token{text: string(r), isBrace: true})
		case r == ' ' || r == '\t':
			flush()
		default:
			b.WriteRune(r)
		}
	}

	flush()

	return toks
}

type parser struct {
	tokens []token
	pos    int
}

func (p *parser) atEnd() bool { return p.pos >= len(p.tokens) }

func (p *parser) peek() (token, bool) {
	if p.atEnd() {
		return token{}, false
	}

	return p.tokens[p.pos], true
}

func (p *parser) next() (token, bool) {
	t, ok := p.peek()
	if ok {
		p.pos++
	}

	return t, ok
}

// restOfLine collects the value tokens that follow the option word just
// consumed, up to the end of that source line or the next brace, joined by
// single spaces (so a Reject block's free-text message keeps its words). A
// leading `=` (the `option = value` form) is skipped.
func (p *parser) restOfLine() string {
	if p.pos > 0 && p.tokens[p.pos-1].endOfLine {
		return ""
	}

	if t, ok := p.peek(); ok && !t.isBrace && t.text == "=" {
		p.pos++
		if t.endOfLine {
			return ""
		}
	}

	var words []string

	for {
		t, ok := p.peek()
		if !ok || t.isBrace {
			break
		}

		words = append(words, t.text)
		p.pos++

		if t.endOfLine {
			break
		}
	}

	return strings.Join(words, " ")
}

func (p *parser) expectBlockBody(name string, fn func(key, value string) error) error {
	open, ok := p.next()
	if !ok || !open.isBrace || open.text != "{" {
		return fmt.Errorf("config: %s block: expected '{'", name)
	}

	for {
		t, ok := p.next()
		if !ok {
			return fmt.Errorf("config: %s block: unterminated block", name)
		}

		if t.isBrace && t.text == "}" {
			return nil
		}

		value := p.restOfLine()
		if err := fn(strings.ToLower(t.text), value); err != nil {
			return err
		}
	}
}

func (p *parser) parseTopLevel(cfg *Config) error {
	t, ok := p.next()
	if !ok {
		return nil
	}

	switch strings.ToLower(t.text) {
	case "listenudp":
		cfg.ListenUDP = p.restOfLine()
	case "listentcp":
		cfg.ListenTCP = p.restOfLine()
	case "loglevel":
		n, err := strconv.Atoi(p.restOfLine())
		if err != nil {
			return fmt.Errorf("config: LogLevel: %w", err)
		}

		cfg.LogLevel = n
	case "logdestination":
		cfg.LogDestination = p.restOfLine()
	case "client":
		return p.parsePeerBlock(cfg, false)
	case "server":
		return p.parsePeerBlock(cfg, true)
	case "realm":
		return p.parseRealmBlock(cfg)
	case "tls":
		return p.parseTLSBlock(cfg)
	default:
		return fmt.Errorf("config: unrecognized top-level option %q", t.text)
	}

	return nil
}

func (p *parser) parsePeerBlock(cfg *Config, isServer bool) error {
	name := p.restOfLine()
	block := PeerBlock{Name: name}

	err := p.expectBlockBody("client/server", func(key, value string) error {
		switch key {
		case "type":
			block.Type = strings.ToLower(value)
		case "secret":
			block.Secret = value
		case "tls":
			block.TLSName = value
		case "statusserver":
			block.StatusServer = strings.EqualFold(value, "on") || strings.EqualFold(value, "true")
		case "port":
			n, err := strconv.Atoi(value)
			if err != nil {
				return fmt.Errorf("config: port: %w", err)
			}

			block.Port = n
		}

		return nil
	})
	if err != nil {
		return err
	}

	if isServer {
		cfg.Servers = append(cfg.Servers, block)
	} else {
		cfg.Clients = append(cfg.Clients, block)
	}

	return nil
}

func (p *parser) parseRealmBlock(cfg *Config) error {
	pattern := p.restOfLine()
	block := RealmBlock{Pattern: pattern}

	err := p.expectBlockBody("realm", func(key, value string) error {
		switch key {
		case "server":
			block.Server = value
		case "reject":
			block.Reject = true
			block.Message = value
		}

		return nil
	})
	if err != nil {
		return err
	}

	cfg.Realms = append(cfg.Realms, block)

	return nil
}

func (p *parser) parseTLSBlock(cfg *Config) error {
	name := p.restOfLine()
	block := TLSConfig{Name: name}

	err := p.expectBlockBody("tls", func(key, value string) error {
		switch key {
		case "cacertificatefile":
			block.CACertificateFile = value
		case "certificatefile":
			block.CertificateFile = value
		case "certificatekeyfile":
			block.CertificateKeyFile = value
		}

		return nil
	})
	if err != nil {
		return err
	}

	cfg.TLS = append(cfg.TLS, block)

	return nil
}

// Validate checks cross-references and field constraints that the grammar
// itself doesn't enforce: known peer types, a secret on every peer, tls
// block references that resolve, realm server references that resolve,
// and name uniqueness.
func Validate(cfg *Config) error {
	if cfg.LogLevel < 1 || cfg.LogLevel > 4 {
		return ErrLogLevelOutOfRange
	}

	tlsNames := make(map[string]bool, len(cfg.TLS))
	for _, t := range cfg.TLS {
		if tlsNames[t.Name] {
			return fmt.Errorf("tls %q: %w", t.Name, ErrDuplicateTLSName)
		}

		tlsNames[t.Name] = true
	}

	peerNames := make(map[string]bool, len(cfg.Clients)+len(cfg.Servers))

	for _, blocks := range [][]PeerBlock{cfg.Clients, cfg.Servers} {
		for _, b := range blocks {
			if peerNames[b.Name] {
				return fmt.Errorf("peer %q: %w", b.Name, ErrDuplicatePeerName)
			}

			peerNames[b.Name] = true

			if err := validatePeerBlock(b, tlsNames); err != nil {
				return err
			}
		}
	}

	serverNames := make(map[string]bool, len(cfg.Servers))
	for _, s := range cfg.Servers {
		serverNames[s.Name] = true
	}

	for _, r := range cfg.Realms {
		if r.Server == "" && !r.Reject {
			return fmt.Errorf("realm %q: %w", r.Pattern, ErrRealmMissingOutcome)
		}

		if r.Server != "" && !serverNames[r.Server] {
			return fmt.Errorf("realm %q references %q: %w", r.Pattern, r.Server, ErrMissingServerRef)
		}
	}

	return nil
}

func validatePeerBlock(b PeerBlock, tlsNames map[string]bool) error {
	if b.Type != "udp" && b.Type != "tls" {
		return fmt.Errorf("peer %q: %w", b.Name, ErrUnknownPeerType)
	}

	if b.Secret == "" {
		return fmt.Errorf("peer %q: %w", b.Name, ErrMissingSecret)
	}

	if b.Type == "tls" {
		if b.TLSName == "" || !tlsNames[b.TLSName] {
			return fmt.Errorf("peer %q: %w", b.Name, ErrMissingTLSReference)
		}
	}

	return nil
}

// ResolveAddrPort parses a "host:port" string, defaulting an empty host to
// the wildcard address.
func ResolveAddrPort(hostport string) (netip.AddrPort, error) {
	if strings.HasPrefix(hostport, ":") {
		hostport = "0.0.0.0" + hostport
	}

	ap, err := netip.ParseAddrPort(hostport)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("config: parse address %q: %w", hostport, err)
	}

	return ap, nil
}

// ParseLogLevel maps the configuration's 1..4 debug scale (EXTERNAL
// INTERFACES, -d flag and LogLevel option) to an slog.Level: 1 is the most
// verbose (debug), 4 the least (error).
func ParseLogLevel(n int) slog.Level {
	switch n {
	case 1:
		return slog.LevelDebug
	case 2:
		return slog.LevelInfo
	case 3:
		return slog.LevelWarn
	default:
		return slog.LevelError
	}
}
