package detection

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/stoik/content-inspection/internal/domain"
)

// HeuristicDetectorName is the registry and finding identifier
const HeuristicDetectorName = "heuristic"

// eicarSignature is the industry-standard antivirus test string
const eicarSignature = `X5O!P%@AP[4\PZX54(P^)7CC)7}$EICAR-STANDARD-ANTIVIRUS-TEST-FILE!$H+H*`

// HighRiskExtensions can run arbitrary code on the victim's machine
var HighRiskExtensions = []string{
	".exe", ".scr", ".bat", ".cmd", ".com", ".pif",
	".vbs", ".js", ".jar", ".msi", ".app", ".ps1", ".dll",
}

// MacroExtensions are office documents with macro support
var MacroExtensions = []string{
	".doc", ".xls", ".xlsm", ".docm", ".pptm",
}

// documentExtensions are what a disguised executable usually pretends to be
var documentExtensions = []string{
	".pdf", ".doc", ".docx", ".xls", ".xlsx", ".txt", ".jpg", ".png", ".zip",
}

// HeuristicConfig holds the thresholds of the rule set
type HeuristicConfig struct {
	// MaxFileSize above which a file is considered suspicious on size alone
	MaxFileSize int64 `koanf:"max_file_size"`
	// EntropyThreshold in bits per byte (0-8); packed or encrypted data sits near 8
	EntropyThreshold float64 `koanf:"entropy_threshold" validate:"gte=0,lte=8"`
	// MinEntropySize avoids flagging tiny payloads whose entropy is meaningless
	MinEntropySize int `koanf:"min_entropy_size"`
	// SuspiciousPorts are destination ports commonly used by backdoors and C2
	SuspiciousPorts []int `koanf:"suspicious_ports" validate:"dive,gte=1,lte=65535"`
	// ExfilBytesThreshold flags records with large outbound transfers
	ExfilBytesThreshold int64 `koanf:"exfil_bytes_threshold"`
	// ProtectedDomains are checked for lookalike hosts in traffic records
	ProtectedDomains []string `koanf:"protected_domains"`
}

// DefaultHeuristicConfig returns the thresholds used when none are configured
func DefaultHeuristicConfig() HeuristicConfig {
	return HeuristicConfig{
		MaxFileSize:         8 * 1024 * 1024,
		EntropyThreshold:    7.2,
		MinEntropySize:      256,
		SuspiciousPorts:     []int{23, 4444, 5555, 6667, 31337},
		ExfilBytesThreshold: 50 * 1024 * 1024,
		ProtectedDomains:    []string{"microsoft.com", "google.com", "paypal.com"},
	}
}

// HeuristicDetector applies pattern, size and entropy thresholds.
// Every rule is deterministic: the same artifact always produces the same finding.
//
// Attack pattern: new malware has no known hash yet, but it still has to
// look like something to get executed or to reach its operator.
type HeuristicDetector struct {
	cfg HeuristicConfig
}

// signal is one matched rule
type signal struct {
	class      domain.Classification
	confidence float64
	reason     string
}

// NewHeuristicDetector creates a heuristic detector
func NewHeuristicDetector(cfg HeuristicConfig) *HeuristicDetector {
	return &HeuristicDetector{cfg: cfg}
}

// Name returns the detector name
func (d *HeuristicDetector) Name() string {
	return HeuristicDetectorName
}

// Inspect runs the rule set for the artifact's kind
func (d *HeuristicDetector) Inspect(ctx context.Context, artifact domain.Artifact) domain.Finding {
	var signals []signal
	switch artifact.Kind {
	case domain.KindFile:
		signals = d.fileSignals(artifact)
	case domain.KindNetwork:
		traffic, err := artifact.Traffic()
		if err != nil {
			return Errored(err)
		}
		signals = d.networkSignals(traffic)
	default:
		return Skipped(fmt.Sprintf("unsupported artifact kind %q", artifact.Kind))
	}

	if len(signals) == 0 {
		return Completed(domain.ClassClean, "no heuristic rule matched", domain.Confidence(0.6))
	}
	return strongest(signals)
}

func (d *HeuristicDetector) fileSignals(artifact domain.Artifact) []signal {
	var signals []signal
	filename := strings.ToLower(artifact.Name)
	ext := path.Ext(filename)

	// Test files must always trip the detector, whatever their name
	if bytes.Contains(artifact.Payload, []byte(eicarSignature)) {
		signals = append(signals, signal{domain.ClassMalicious, 0.99, "contains EICAR test signature"})
	}

	// HIGH RISK: executables and scripts.
	// Double extension trick (e.g., invoice.pdf.exe): legitimate files rarely
	// pose as a document and an executable at once
	if hasAnySuffix(filename, HighRiskExtensions) {
		inner := path.Ext(strings.TrimSuffix(filename, ext))
		if inner != "" && containsString(documentExtensions, inner) {
			signals = append(signals, signal{domain.ClassMalicious, 0.85,
				fmt.Sprintf("executable disguised with double extension: %s", artifact.Name)})
		} else {
			signals = append(signals, signal{domain.ClassSuspicious, 0.90,
				fmt.Sprintf("high-risk file type: %s", ext)})
		}
	}

	// MEDIUM RISK: macros can download and execute a second stage
	if hasAnySuffix(filename, MacroExtensions) {
		signals = append(signals, signal{domain.ClassSuspicious, 0.60,
			fmt.Sprintf("macro-capable document: %s", ext)})
	}

	// Executable headers behind a non-executable name.
	// Renaming a binary is the cheapest way past extension filters
	if isExecutableHeader(artifact.Payload) && !hasAnySuffix(filename, HighRiskExtensions) {
		signals = append(signals, signal{domain.ClassSuspicious, 0.80,
			fmt.Sprintf("executable content with %q extension", ext)})
	}

	// Packers and encrypted droppers push entropy towards 8 bits/byte;
	// plain documents and source code sit well below
	if len(artifact.Payload) >= d.cfg.MinEntropySize && d.cfg.EntropyThreshold > 0 {
		if e := shannonEntropy(artifact.Payload); e >= d.cfg.EntropyThreshold {
			signals = append(signals, signal{domain.ClassSuspicious, 0.70,
				fmt.Sprintf("high entropy %.2f bits/byte suggests packed or encrypted content", e)})
		}
	}

	// Oversized samples are padded to slip past scanners with size caps
	if d.cfg.MaxFileSize > 0 && artifact.Size > d.cfg.MaxFileSize {
		signals = append(signals, signal{domain.ClassSuspicious, 0.50,
			fmt.Sprintf("size %d exceeds %d bytes", artifact.Size, d.cfg.MaxFileSize)})
	}

	return signals
}

func (d *HeuristicDetector) networkSignals(traffic map[string]any) []signal {
	var signals []signal

	// Well-known backdoor and IRC botnet ports; legitimate services rarely listen there
	if port, ok := numberField(traffic, "dst_port", "port", "destination_port"); ok {
		for _, p := range d.cfg.SuspiciousPorts {
			if int(port) == p {
				signals = append(signals, signal{domain.ClassSuspicious, 0.70,
					fmt.Sprintf("destination port %d is associated with backdoors", p)})
				break
			}
		}
	}

	// Exfiltration shows up as an unusually large upload from the inside
	if out, ok := numberField(traffic, "bytes_out", "bytes_sent"); ok && d.cfg.ExfilBytesThreshold > 0 {
		if int64(out) >= d.cfg.ExfilBytesThreshold {
			signals = append(signals, signal{domain.ClassSuspicious, 0.75,
				fmt.Sprintf("outbound transfer of %d bytes exceeds exfiltration threshold", int64(out))})
		}
	}

	// Flag combinations no TCP stack sends during normal traffic
	if flags, ok := traffic["flags"]; ok {
		text := strings.ToLower(fmt.Sprint(flags))
		if containsAny(text, []string{"xmas", "null_scan", "fin_scan", "syn_scan"}) {
			signals = append(signals, signal{domain.ClassSuspicious, 0.80, "scan pattern in TCP flags"})
		}
	}

	// Typosquatted hosts (micros0ft.com) harvest credentials or serve payloads
	if host, ok := stringField(traffic, "host", "sni", "domain", "dst_host"); ok {
		if s, ok := lookalike(host, d.cfg.ProtectedDomains); ok {
			signals = append(signals, s)
		}
	}

	// Independent indicators on the same flow reinforce each other
	if len(signals) >= 2 {
		signals = append(signals, signal{domain.ClassMalicious, 0.85,
			fmt.Sprintf("%d independent intrusion indicators", len(signals))})
	}

	return signals
}

// maxHostLength is the longest valid DNS name
const maxHostLength = 253

// lookalikeThreshold is the minimum similarity percentage for a lookalike
const lookalikeThreshold = 85

// lookalike flags hosts that are very similar to, but not exactly, a
// protected domain
func lookalike(host string, protected []string) (signal, bool) {
	host = strings.TrimSuffix(strings.TrimSpace(host), ".")
	// Anything longer is not a hostname and cannot resemble a short domain
	if len(host) > maxHostLength {
		return signal{}, false
	}
	host = strings.ToLower(host)

	for _, p := range protected {
		p = strings.ToLower(p)
		if host == p || strings.HasSuffix(host, "."+p) {
			continue
		}

		// The distance is at least the length gap, so a large gap can
		// never reach the threshold
		longest := max(len(host), len(p))
		gap := len(host) - len(p)
		if gap < 0 {
			gap = -gap
		}
		if gap*100 >= (100-lookalikeThreshold)*longest {
			continue
		}

		distance := levenshteinDistance(host, p)
		similarity := (1.0 - float64(distance)/float64(longest)) * 100
		if similarity > lookalikeThreshold && similarity < 100 {
			return signal{domain.ClassSuspicious, 0.90,
				fmt.Sprintf("host %q is %.1f%% similar to protected domain %q", host, similarity, p)}, true
		}
	}
	return signal{}, false
}

// strongest keeps the highest severity, then the highest confidence, and
// lists every matched rule in the reason
func strongest(signals []signal) domain.Finding {
	best := signals[0]
	reasons := make([]string, 0, len(signals))
	for _, s := range signals {
		reasons = append(reasons, s.reason)
		if s.class.Severity() > best.class.Severity() ||
			(s.class.Severity() == best.class.Severity() && s.confidence > best.confidence) {
			best = s
		}
	}
	return Completed(best.class, strings.Join(reasons, "; "), domain.Confidence(best.confidence))
}
