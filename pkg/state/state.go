package state

import (
	"bytes"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/pkg/errors"
)

const (
	StateDirName  = ".modelctl"
	StateFilename = "launches.json"
	LogsDirName   = "logs"
)

// State tracks process-backed launches (engines "process" and "script") so that
// down/status/logs can find them again. Container-backed launches are not
// recorded here; the container runtime is their source of truth.
type State struct {
	BaseDir   string    `json:"base_dir"`
	CreatedAt time.Time `json:"created_at"`
	Launches  []Record  `json:"launches"`
}

type Record struct {
	Name      string            `json:"name"`
	Engine    string            `json:"engine"`
	PID       int               `json:"pid"`
	Port      int               `json:"port,omitempty"`
	Command   []string          `json:"command"`
	Cwd       string            `json:"cwd"`
	Env       map[string]string `json:"env,omitempty"`
	StdoutLog string            `json:"stdout_log,omitempty"`
	StderrLog string            `json:"stderr_log,omitempty"`
	StartedAt time.Time         `json:"started_at,omitempty"`
}

func StatePath(baseDir string) string {
	return filepath.Join(baseDir, StateDirName, StateFilename)
}

func LogsDir(baseDir string) string {
	return filepath.Join(baseDir, StateDirName, LogsDirName)
}

func Load(baseDir string) (*State, error) {
	b, err := os.ReadFile(StatePath(baseDir))
	if err != nil {
		return nil, errors.Wrap(err, "read state")
	}
	var s State
	if err := json.Unmarshal(b, &s); err != nil {
		return nil, errors.Wrap(err, "parse state json")
	}
	return &s, nil
}

// LoadOptional returns an empty state when no state file exists yet.
func LoadOptional(baseDir string) (*State, error) {
	_, err := os.Stat(StatePath(baseDir))
	if err != nil {
		if os.IsNotExist(err) {
			return &State{BaseDir: baseDir, CreatedAt: time.Now()}, nil
		}
		return nil, errors.Wrap(err, "stat state")
	}
	return Load(baseDir)
}

func Save(baseDir string, s *State) error {
	if s == nil {
		return errors.New("nil state")
	}
	dir := filepath.Dir(StatePath(baseDir))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrap(err, "mkdir state dir")
	}
	b, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshal state")
	}
	if err := os.WriteFile(StatePath(baseDir), b, 0o644); err != nil {
		return errors.Wrap(err, "write state")
	}
	return nil
}

// Upsert replaces the record for a name, or appends it.
func (s *State) Upsert(rec Record) {
	for i := range s.Launches {
		if s.Launches[i].Name == rec.Name {
			s.Launches[i] = rec
			return
		}
	}
	s.Launches = append(s.Launches, rec)
}

// Drop removes the record for a name if present.
func (s *State) Drop(name string) {
	out := s.Launches[:0]
	for _, r := range s.Launches {
		if r.Name != name {
			out = append(out, r)
		}
	}
	s.Launches = out
}

// Find returns the record for a name, or nil.
func (s *State) Find(name string) *Record {
	for i := range s.Launches {
		if s.Launches[i].Name == name {
			return &s.Launches[i]
		}
	}
	return nil
}

func Remove(baseDir string) error {
	if err := os.Remove(StatePath(baseDir)); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrap(err, "remove state")
	}
	return nil
}

func ProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	if isZombie(pid) {
		return false
	}
	err := syscall.Kill(pid, 0)
	if err == nil {
		return true
	}
	if stderrors.Is(err, syscall.EPERM) {
		return true
	}
	return false
}

func isZombie(pid int) bool {
	b, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return false
	}
	// Format: pid (comm) state ...; the state char follows the closing paren.
	i := bytes.LastIndexByte(b, ')')
	if i < 0 {
		return false
	}
	fields := bytes.Fields(bytes.TrimSpace(b[i+1:]))
	if len(fields) < 1 || len(fields[0]) < 1 {
		return false
	}
	return fields[0][0] == 'Z'
}
