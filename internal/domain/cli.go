package domain

import "strings"

// CliArgs holds the non-config flags of a run. At most one of MergeLora,
// Inference, Shard and PrepareDSOnly is expected to be set; when several are,
// the dispatcher's priority order decides.
type CliArgs struct {
	Debug         bool
	Inference     bool
	MergeLora     bool
	PrepareDSOnly bool
	Prompter      string
	Shard         bool
}

// PrompterName returns the requested prompter, treating "None" as unset.
func (a CliArgs) PrompterName() string {
	p := strings.TrimSpace(a.Prompter)
	if strings.EqualFold(p, "none") {
		return ""
	}
	return p
}

// SetModeFlags lists the mode flags that are set, in dispatch priority order.
func (a CliArgs) SetModeFlags() []string {
	var out []string
	if a.PrepareDSOnly {
		out = append(out, string(ModePrepareOnly))
	}
	if a.MergeLora {
		out = append(out, string(ModeMergeLora))
	}
	if a.Inference {
		out = append(out, string(ModeInference))
	}
	if a.Shard {
		out = append(out, string(ModeReshard))
	}
	return out
}
