package fsg

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/example/go-pocket-asr/internal/logmath"
)

// Text format keywords.
const (
	kwBegin      = "FSG_BEGIN"
	kwEnd        = "FSG_END"
	kwNumStates  = "NUM_STATES"
	kwStartState = "START_STATE"
	kwFinalState = "FINAL_STATE"
	kwTransition = "TRANSITION"
)

// ReadFile loads an FSG from its text format.
func ReadFile(path string, lmath *logmath.LogMath, lw float32) (*Model, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("fsg: open %s: %w", path, err)
	}
	defer f.Close()
	m, err := Read(f, lmath, lw)
	if err != nil {
		return nil, fmt.Errorf("fsg: %s: %w", path, err)
	}
	return m, nil
}

// Read parses the FSG text format: FSG_BEGIN [name], NUM_STATES,
// START_STATE, FINAL_STATE, TRANSITION lines, FSG_END. '#' starts a
// comment.
func Read(r io.Reader, lmath *logmath.LogMath, lw float32) (*Model, error) {
	sc := bufio.NewScanner(r)
	var m *Model
	name := ""
	nStates, startState, finalState := int32(-1), int32(-1), int32(-1)
	seenBegin, seenEnd := false, false
	lineno := 0

	for sc.Scan() {
		lineno++
		line := sc.Text()
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}

		switch fields[0] {
		case kwBegin:
			if len(fields) > 1 {
				name = fields[1]
			}
			seenBegin = true
		case kwEnd:
			seenEnd = true
		case kwNumStates, "N":
			n, err := strconv.ParseInt(fields[1], 10, 32)
			if err != nil || n <= 0 {
				return nil, fmt.Errorf("line %d: %w: bad state count", lineno, ErrBadFormat)
			}
			nStates = int32(n)
			m = New(name, lmath, lw, nStates)
		case kwStartState, "S":
			s, err := strconv.ParseInt(fields[1], 10, 32)
			if err != nil {
				return nil, fmt.Errorf("line %d: %w: bad start state", lineno, ErrBadFormat)
			}
			startState = int32(s)
		case kwFinalState, "F":
			s, err := strconv.ParseInt(fields[1], 10, 32)
			if err != nil {
				return nil, fmt.Errorf("line %d: %w: bad final state", lineno, ErrBadFormat)
			}
			finalState = int32(s)
		case kwTransition, "T":
			if m == nil {
				return nil, fmt.Errorf("line %d: %w: %s before %s", lineno, ErrBadFormat, kwTransition, kwNumStates)
			}
			if len(fields) < 4 {
				return nil, fmt.Errorf("line %d: %w: short transition", lineno, ErrBadFormat)
			}
			from, err1 := strconv.ParseInt(fields[1], 10, 32)
			to, err2 := strconv.ParseInt(fields[2], 10, 32)
			p, err3 := strconv.ParseFloat(fields[3], 64)
			if err1 != nil || err2 != nil || err3 != nil {
				return nil, fmt.Errorf("line %d: %w: bad transition", lineno, ErrBadFormat)
			}
			if err := m.checkState(int32(from)); err != nil {
				return nil, fmt.Errorf("line %d: %w", lineno, err)
			}
			if err := m.checkState(int32(to)); err != nil {
				return nil, fmt.Errorf("line %d: %w", lineno, err)
			}
			if p <= 0 || p > 1 {
				return nil, fmt.Errorf("line %d: %w: transition probability %g outside (0,1]",
					lineno, ErrBadFormat, p)
			}
			logp := int32(float64(lmath.Log(p)) * float64(lw))
			if len(fields) >= 5 {
				wid := m.WordAdd(fields[4])
				m.TransAdd(int32(from), int32(to), logp, wid)
			} else {
				m.NullTransAdd(int32(from), int32(to), logp)
			}
		default:
			return nil, fmt.Errorf("line %d: %w: unknown keyword %q", lineno, ErrBadFormat, fields[0])
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("fsg: read: %w", err)
	}
	if !seenBegin || !seenEnd || m == nil {
		return nil, fmt.Errorf("fsg: %w: missing %s/%s", ErrBadFormat, kwBegin, kwEnd)
	}
	if err := m.checkState(startState); err != nil {
		return nil, fmt.Errorf("fsg: %w: start state", err)
	}
	if err := m.checkState(finalState); err != nil {
		return nil, fmt.Errorf("fsg: %w: final state", err)
	}
	m.StartState = startState
	m.FinalState = finalState
	return m, nil
}

// Write emits the model in the text format Read accepts.
func (m *Model) Write(w io.Writer) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "%s %s\n", kwBegin, m.Name)
	fmt.Fprintf(bw, "%s %d\n", kwNumStates, m.NState)
	fmt.Fprintf(bw, "%s %d\n", kwStartState, m.StartState)
	fmt.Fprintf(bw, "%s %d\n", kwFinalState, m.FinalState)

	for from := int32(0); from < m.NState; from++ {
		links := m.ArcIter(from)
		sort.Slice(links, func(i, j int) bool {
			if links[i].ToState != links[j].ToState {
				return links[i].ToState < links[j].ToState
			}
			return links[i].Wid < links[j].Wid
		})
		for _, l := range links {
			p := math.Exp(m.lmath.LogToLn(int32(float64(l.LogProb) / float64(m.lw))))
			if l.Wid >= 0 {
				fmt.Fprintf(bw, "%s %d %d %g %s\n", kwTransition, l.FromState, l.ToState, p, m.WordStr(l.Wid))
			} else {
				fmt.Fprintf(bw, "%s %d %d %g\n", kwTransition, l.FromState, l.ToState, p)
			}
		}
	}
	fmt.Fprintf(bw, "%s\n", kwEnd)
	return bw.Flush()
}
