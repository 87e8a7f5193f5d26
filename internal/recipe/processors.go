package recipe

import "strings"

// GcodeProcessor transforms a complete toolpath's lines into a new set of
// lines, applied in sequence by the post-process task (§4.4).
type GcodeProcessor func(lines []string) ([]string, error)

func defaultProcessors() map[string]GcodeProcessor {
	return map[string]GcodeProcessor{
		"AnchorProcessor":       AnchorProcessor,
		"Skeinforge50Processor": Skeinforge50Processor,
		"FanProcessor":          FanProcessor,
	}
}

// AnchorProcessor prepends a small anchor move so the first real command
// is not the very first line the skeinforge-family slicer emits.
func AnchorProcessor(lines []string) ([]string, error) {
	anchor := []string{"G1 X0 Y0 Z0.5 F1200"}
	return append(anchor, lines...), nil
}

// Skeinforge50Processor adapts Skeinforge 50 output for downstream parsers
// by stripping every ';' comment (and the whitespace before it) from each
// line. All other text, axis letters included, passes through unchanged.
func Skeinforge50Processor(lines []string) ([]string, error) {
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		if idx := strings.Index(line, ";"); idx >= 0 {
			line = strings.TrimRight(line[:idx], " \t")
		}
		out = append(out, line)
	}
	return out, nil
}

// FanProcessor inserts a cooling-fan-on command after the first line,
// applied only for profiles matching the hardware model that needs it.
func FanProcessor(lines []string) ([]string, error) {
	if len(lines) == 0 {
		return []string{"M126 T0"}, nil
	}
	out := make([]string, 0, len(lines)+1)
	out = append(out, lines[0], "M126 T0")
	out = append(out, lines[1:]...)
	return out, nil
}

// DualstrusionProgressProcessor stamps a progress comment every N lines of
// a woven dual-extrusion toolpath, mirroring the "dualstrusion progress
// post-processor" named in §4.4's weave task.
func DualstrusionProgressProcessor(lines []string) ([]string, error) {
	const stride = 100
	out := make([]string, 0, len(lines))
	for i, line := range lines {
		out = append(out, line)
		if i > 0 && i%stride == 0 {
			out = append(out, "; dualstrusion progress")
		}
	}
	return out, nil
}

// Weave interleaves two per-extruder toolpaths into a single stream with
// tool-change directives, the out-of-scope external algorithm named in
// §4.4 stood in with a straightforward round-robin weave: a block of
// lines from extruder 0, a T0/T1 change, a block from extruder 1, and so
// on until both are exhausted.
func Weave(toolA, toolB []string) ([]string, error) {
	const blockSize = 10
	out := make([]string, 0, len(toolA)+len(toolB)+2)

	i, j := 0, 0
	toggle := 0
	for i < len(toolA) || j < len(toolB) {
		if toggle == 0 {
			out = append(out, "M135 T0")
			end := min(i+blockSize, len(toolA))
			out = append(out, toolA[i:end]...)
			i = end
		} else {
			out = append(out, "M135 T1")
			end := min(j+blockSize, len(toolB))
			out = append(out, toolB[j:end]...)
			j = end
		}
		toggle = 1 - toggle
	}
	return out, nil
}
