package sequence

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/nasa-jpl/capseq/util"
)

// DefaultPlaceholder lays frames out as target/type/filter/target_type_filter
const DefaultPlaceholder = "%t/%T/%F/%t_%T_%F"

// Expand substitutes the placeholders of format for the job:
//
//	%t  target name
//	%T  frame type
//	%F  filter name
//	%e  exposure in seconds
//	%B  binning, e.g. 2x2
//	%%  a literal percent sign
//
// Each substitution is sanitized to a single path component.  Components that
// end up empty, e.g. no filter, are dropped along with their separator.
func Expand(format string, j *Job) string {
	var b strings.Builder
	for i := 0; i < len(format); i++ {
		c := format[i]
		if c != '%' || i+1 == len(format) {
			b.WriteByte(c)
			continue
		}
		i++
		switch format[i] {
		case 't':
			b.WriteString(util.SanitizeName(j.Target))
		case 'T':
			b.WriteString(string(j.FrameType))
		case 'F':
			b.WriteString(util.SanitizeName(j.Filter.Name))
		case 'e':
			b.WriteString(util.FormatSecs(j.Exposure) + "s")
		case 'B':
			b.WriteString(j.Binning.String())
		case '%':
			b.WriteByte('%')
		default:
			b.WriteByte('%')
			b.WriteByte(format[i])
		}
	}
	return tidy(b.String())
}

// tidy removes the empty components and dangling underscores left by empty substitutions
func tidy(s string) string {
	parts := strings.Split(s, "/")
	out := parts[:0]
	for _, p := range parts {
		for strings.Contains(p, "__") {
			p = strings.ReplaceAll(p, "__", "_")
		}
		p = strings.Trim(p, "_")
		if p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, "/")
}

// Signature identifies the output target of a job: the local directory joined
// with the expanded placeholder, without a sequence number.  Jobs with equal
// signatures write to the same files and share captured frame counts.
func (j *Job) Signature() string {
	format := j.Placeholder
	if format == "" {
		format = DefaultPlaceholder
	}
	return filepath.Join(j.LocalDir, filepath.FromSlash(Expand(format, j)))
}

// FilePath returns the path of frame seq, without extension
func (j *Job) FilePath(seq int) string {
	return fmt.Sprintf("%s_%03d", j.Signature(), seq)
}
