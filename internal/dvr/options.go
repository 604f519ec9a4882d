// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package dvr

// Defaults are the global record and encode options.
type Defaults struct {
	RecordOption
	Encode Encode
}

// EffectiveOptions are the options a capture runs with after overlaying
// reservation, rule and global settings.
type EffectiveOptions struct {
	Directory      string       `json:"directory,omitempty"`
	RecordedFormat string       `json:"recordedFormat,omitempty"`
	Encode         []EncodeMode `json:"encode,omitempty"`
	DelTs          bool         `json:"delTs"`
}

// ResolveOptions overlays options field by field: reservation first, then
// the originating rule, then the global defaults. Each encode slot resolves
// on its own.
func ResolveOptions(r Reserve, rule *Rule, d Defaults) EffectiveOptions {
	var ruleOpt *RecordOption
	var ruleEnc *Encode
	if rule != nil {
		ruleOpt = &rule.Option.RecordOption
		ruleEnc = rule.Encode
	}

	out := EffectiveOptions{
		Directory:      firstNonEmpty(optDirectory(r.Option), optDirectory(ruleOpt), d.Directory),
		RecordedFormat: firstNonEmpty(optFormat(r.Option), optFormat(ruleOpt), d.RecordedFormat),
	}

	for i := range MaxEncodeModes {
		switch {
		case r.Encode != nil && r.Encode.Modes[i] != nil:
			out.Encode = append(out.Encode, *r.Encode.Modes[i])
		case ruleEnc != nil && ruleEnc.Modes[i] != nil:
			out.Encode = append(out.Encode, *ruleEnc.Modes[i])
		case d.Encode.Modes[i] != nil:
			out.Encode = append(out.Encode, *d.Encode.Modes[i])
		}
	}

	switch {
	case r.Encode != nil && r.Encode.DelTs != nil:
		out.DelTs = *r.Encode.DelTs
	case ruleEnc != nil && ruleEnc.DelTs != nil:
		out.DelTs = *ruleEnc.DelTs
	case d.Encode.DelTs != nil:
		out.DelTs = *d.Encode.DelTs
	}
	return out
}

func optDirectory(o *RecordOption) string {
	if o == nil {
		return ""
	}
	return o.Directory
}

func optFormat(o *RecordOption) string {
	if o == nil {
		return ""
	}
	return o.RecordedFormat
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
