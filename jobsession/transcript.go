package jobsession

import "bytes"

const truncationNotice = "\n[transcript truncated]\n"

// transcript accumulates redacted lines up to a byte cap. Once the cap is
// reached later lines are dropped and the truncated flag is set.
type transcript struct {
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func newTranscript(limit int) *transcript {
	return &transcript{limit: limit}
}

func (t *transcript) appendLine(line string) {
	if t.truncated {
		return
	}
	if t.buf.Len()+len(line)+1 > t.limit {
		room := t.limit - t.buf.Len()
		if room > 0 {
			t.buf.WriteString(line[:min(room, len(line))])
		}
		t.truncated = true
		return
	}
	t.buf.WriteString(line)
	t.buf.WriteByte('\n')
}

func (t *transcript) bytes() ([]byte, bool) {
	out := append([]byte(nil), t.buf.Bytes()...)
	if t.truncated {
		out = append(out, truncationNotice...)
	}
	return out, t.truncated
}
