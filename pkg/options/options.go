// Package options holds the negotiable option set of one TFTP request
// and the validation rules applied before an OACK is produced.
package options

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	tftpfw "github.com/fwdist/tftpfw"
)

// RequestType of the opening packet
type RequestType uint8

const (
	RequestUnknown RequestType = iota
	RequestRead
	RequestWrite
)

func (r RequestType) String() string {
	switch r {
	case RequestRead:
		return "read"
	case RequestWrite:
		return "write"
	default:
		return "unknown"
	}
}

// TransferMode of the opening packet
type TransferMode uint8

const (
	ModeUnknown TransferMode = iota
	ModeNetascii
	ModeOctet
	ModeMail
)

func (m TransferMode) String() string {
	switch m {
	case ModeNetascii:
		return "netascii"
	case ModeOctet:
		return "octet"
	case ModeMail:
		return "mail"
	default:
		return "unknown"
	}
}

// Option defaults and bounds
const (
	DefaultBlksize    = 512
	DefaultTimeout    = 10
	DefaultTsize      = 0
	DefaultWindowsize = 1

	MinBlksize = 1
	MaxBlksize = 65500
	MinTimeout = 1
	MaxTimeout = 3600
)

// Wire names of the negotiable options
const (
	NameBlksize    = "blksize"
	NameTimeout    = "timeout"
	NameTsize      = "tsize"
	NameWindowsize = "windowsize"
)

// optInt is an option value together with its was-set flag
type optInt struct {
	set bool
	val int
}

// Options is the typed record of one request's negotiable options.
// Values failing validation are silently dropped : the peer observes
// they are absent from the OACK and reverts to the defaults.
type Options struct {
	Request  RequestType
	Filename string
	Mode     TransferMode

	blksize    optInt
	timeout    optInt
	tsize      optInt
	windowsize optInt
}

// New returns an Options record holding only defaults
func New() *Options {
	return &Options{
		blksize:    optInt{val: DefaultBlksize},
		timeout:    optInt{val: DefaultTimeout},
		tsize:      optInt{val: DefaultTsize},
		windowsize: optInt{val: DefaultWindowsize},
	}
}

func (o *Options) Blksize() int    { return o.blksize.val }
func (o *Options) Timeout() int    { return o.timeout.val }
func (o *Options) Tsize() int      { return o.tsize.val }
func (o *Options) Windowsize() int { return o.windowsize.val }

func (o *Options) WasSetBlksize() bool    { return o.blksize.set }
func (o *Options) WasSetTimeout() bool    { return o.timeout.set }
func (o *Options) WasSetTsize() bool      { return o.tsize.set }
func (o *Options) WasSetWindowsize() bool { return o.windowsize.set }

// WasSetAny reports whether at least one option survived validation,
// i.e. whether an OACK must be sent at all.
func (o *Options) WasSetAny() bool {
	return o.blksize.set || o.timeout.set || o.tsize.set || o.windowsize.set
}

// RevertToDefaults clears all negotiated values. The client falls
// back to this when the server answers a request carrying options
// with a plain DATA or ACK instead of an OACK.
func (o *Options) RevertToDefaults() {
	o.blksize = optInt{val: DefaultBlksize}
	o.timeout = optInt{val: DefaultTimeout}
	o.tsize = optInt{val: DefaultTsize}
	o.windowsize = optInt{val: DefaultWindowsize}
}

// SetTsize overrides the tsize value, keeping the was-set flag.
// Used on RRQ to fill in the real file size before the OACK.
func (o *Options) SetTsize(v int) {
	o.tsize.val = v
}

// SetTsizeOffered marks tsize as offered with the given value : 0 for
// a read side size probe, the real size on a write announcement.
func (o *Options) SetTsizeOffered(v int) {
	o.tsize = optInt{set: true, val: v}
}

// SetBlksize marks blksize as offered with the given value
func (o *Options) SetBlksize(v int) {
	o.blksize = optInt{set: true, val: v}
}

// SetTimeout marks timeout as offered with the given value
func (o *Options) SetTimeout(v int) {
	o.timeout = optInt{set: true, val: v}
}

// SetWindowsize marks windowsize as offered with the given value
func (o *Options) SetWindowsize(v int) {
	o.windowsize = optInt{set: true, val: v}
}

func parseDecimal(s string) (int, bool) {
	if s == "" {
		return 0, false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, false
		}
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, false
	}
	return v, true
}

func (o *Options) setBlksize(val string, logger *slog.Logger) {
	v, ok := parseDecimal(val)
	if !ok || v < MinBlksize || v > MaxBlksize {
		logger.Warn("dropping option with bad value", "option", NameBlksize, "value", val)
		return
	}
	o.blksize = optInt{set: true, val: v}
}

func (o *Options) setTimeout(val string, logger *slog.Logger) {
	v, ok := parseDecimal(val)
	if !ok || v < MinTimeout || v > MaxTimeout {
		logger.Warn("dropping option with bad value", "option", NameTimeout, "value", val)
		return
	}
	o.timeout = optInt{set: true, val: v}
}

func (o *Options) setTsize(val string, logger *slog.Logger) {
	v, ok := parseDecimal(val)
	if !ok {
		logger.Warn("dropping option with bad value", "option", NameTsize, "value", val)
		return
	}
	o.tsize = optInt{set: true, val: v}
}

func (o *Options) setWindowsize(val string, logger *slog.Logger) {
	v, ok := parseDecimal(val)
	if !ok || v < 1 {
		logger.Warn("dropping option with bad value", "option", NameWindowsize, "value", val)
		return
	}
	o.windowsize = optInt{set: true, val: v}
}

func (o *Options) setMode(mode string, logger *slog.Logger) error {
	switch strings.ToLower(mode) {
	case "octet":
		o.Mode = ModeOctet
	case "netascii":
		o.Mode = ModeNetascii
	case "binary":
		// historic alias
		o.Mode = ModeOctet
		logger.Warn("aliasing transfer mode 'binary' to 'octet'")
	case "mail":
		o.Mode = ModeMail
		return fmt.Errorf("transfer mode 'mail' not supported")
	default:
		o.Mode = ModeUnknown
		return fmt.Errorf("unknown transfer mode %q", mode)
	}
	return nil
}

// stripLeaf removes any directory prefix from a requested filename so
// a request can never escape the configured root.
func stripLeaf(name string, logger *slog.Logger) string {
	i := strings.LastIndexAny(name, "/\\")
	if i < 0 {
		return name
	}
	leaf := name[i+1:]
	logger.Warn("stripping directory from requested filename", "filename", name, "leaf", leaf)
	return leaf
}

// ParseRequest validates a decoded RRQ/WRQ and produces the typed
// option record. Unknown options and out of range values are logged
// and dropped, never fatal. A missing filename or an unusable mode is
// fatal for the request.
func ParseRequest(req *tftpfw.Request, logger *slog.Logger) (*Options, error) {
	if logger == nil {
		logger = slog.Default()
	}
	o := New()

	switch req.Opcode {
	case tftpfw.OpRRQ:
		o.Request = RequestRead
	case tftpfw.OpWRQ:
		o.Request = RequestWrite
	default:
		return nil, fmt.Errorf("request with opcode %v", req.Opcode)
	}

	o.Filename = stripLeaf(req.Filename, logger)
	if o.Filename == "" || o.Filename == "." || o.Filename == ".." {
		return nil, fmt.Errorf("request without usable filename")
	}

	if err := o.setMode(req.Mode, logger); err != nil {
		return nil, err
	}

	for _, pair := range req.Options {
		switch strings.ToLower(pair.Name) {
		case NameBlksize:
			o.setBlksize(pair.Value, logger)
		case NameTimeout:
			o.setTimeout(pair.Value, logger)
		case NameTsize:
			o.setTsize(pair.Value, logger)
		case NameWindowsize:
			o.setWindowsize(pair.Value, logger)
		default:
			logger.Warn("ignoring unknown option", "option", pair.Name, "value", pair.Value)
		}
	}
	return o, nil
}

// ApplyOACK folds a server OACK back into a client side option record.
// A known option the client did not offer, or a non-decimal value, is
// reported as a protocol violation; unknown option names are logged
// and ignored.
func (o *Options) ApplyOACK(oack *tftpfw.OptionAck, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	for _, pair := range oack.Options {
		v, ok := parseDecimal(pair.Value)
		if !ok {
			return fmt.Errorf("bad OACK value %s=%q", pair.Name, pair.Value)
		}
		switch strings.ToLower(pair.Name) {
		case NameBlksize:
			if !o.blksize.set {
				return fmt.Errorf("OACK echoes unoffered option %s", pair.Name)
			}
			o.blksize.val = v
		case NameTimeout:
			if !o.timeout.set {
				return fmt.Errorf("OACK echoes unoffered option %s", pair.Name)
			}
			o.timeout.val = v
		case NameTsize:
			if !o.tsize.set {
				return fmt.Errorf("OACK echoes unoffered option %s", pair.Name)
			}
			o.tsize.val = v
		case NameWindowsize:
			if !o.windowsize.set {
				return fmt.Errorf("OACK echoes unoffered option %s", pair.Name)
			}
			o.windowsize.val = v
		default:
			logger.Warn("ignoring unknown option in OACK", "option", pair.Name)
		}
	}
	return nil
}

// AcceptedPairs lists the options to echo in an OACK : exactly those
// the peer offered and validation kept, with the chosen values.
func (o *Options) AcceptedPairs() []tftpfw.OptionPair {
	var pairs []tftpfw.OptionPair
	if o.blksize.set {
		pairs = append(pairs, tftpfw.OptionPair{Name: NameBlksize, Value: strconv.Itoa(o.blksize.val)})
	}
	if o.timeout.set {
		pairs = append(pairs, tftpfw.OptionPair{Name: NameTimeout, Value: strconv.Itoa(o.timeout.val)})
	}
	if o.tsize.set {
		pairs = append(pairs, tftpfw.OptionPair{Name: NameTsize, Value: strconv.Itoa(o.tsize.val)})
	}
	if o.windowsize.set {
		pairs = append(pairs, tftpfw.OptionPair{Name: NameWindowsize, Value: strconv.Itoa(o.windowsize.val)})
	}
	return pairs
}

// OfferedPairs lists the options a client puts on its opening request
func (o *Options) OfferedPairs() []tftpfw.OptionPair {
	return o.AcceptedPairs()
}
