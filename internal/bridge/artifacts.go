package bridge

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"computeruse/internal/digest"

	"github.com/klauspost/compress/zstd"
)

const journalName = "journal.jsonl.zst"

// ArtifactStore 按 session 落盘截屏快照与动作日志。
// 截屏以内容摘要命名，相同画面只写一次；PNG 已压缩，不再套 zstd。
type ArtifactStore struct {
	dir string
}

func NewArtifactStore(dir string) (*ArtifactStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact dir: %w", err)
	}
	return &ArtifactStore{dir: dir}, nil
}

// JournalEntry 是动作日志中的一行
type JournalEntry struct {
	At       time.Time `json:"at"`
	ConnID   string    `json:"connection_id"`
	Intent   Intent    `json:"intent"`
	Frame    string    `json:"frame,omitempty"` // 执行前画面的摘要
	Outcome  string    `json:"outcome"`
	ErrorMsg string    `json:"error,omitempty"`
}

// SessionArtifacts 是单个 session 的落盘句柄，并发安全
type SessionArtifacts struct {
	dir string

	mu      sync.Mutex
	file    *os.File
	encoder *zstd.Encoder
	lines   *bufio.Writer
}

// Open 打开 session 的日志。同一 session 多次打开时，新内容作为新的 zstd frame 追加。
func (s *ArtifactStore) Open(sessionID string) (*SessionArtifacts, error) {
	dir := filepath.Join(s.dir, sessionID)
	if err := os.MkdirAll(filepath.Join(dir, "frames"), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(filepath.Join(dir, journalName), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		f.Close()
		return nil, err
	}
	return &SessionArtifacts{
		dir:     dir,
		file:    f,
		encoder: enc,
		lines:   bufio.NewWriter(enc),
	}, nil
}

// SaveFrame 写入截屏并返回其摘要
func (a *SessionArtifacts) SaveFrame(png []byte) (string, error) {
	sum := digest.Artifact(png).String()
	path := filepath.Join(a.dir, "frames", sum+".png")
	if _, err := os.Stat(path); err == nil {
		return sum, nil
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, png, 0o644); err != nil {
		return "", err
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", err
	}
	return sum, nil
}

func (a *SessionArtifacts) Record(e JournalEntry) error {
	line, err := json.Marshal(e)
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.encoder == nil {
		return os.ErrClosed
	}
	if _, err := a.lines.Write(line); err != nil {
		return err
	}
	return a.lines.WriteByte('\n')
}

func (a *SessionArtifacts) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.encoder == nil {
		return nil
	}
	err := errors.Join(a.lines.Flush(), a.encoder.Close(), a.file.Close())
	a.encoder = nil
	return err
}

// ReadJournal 读取 session 的全部动作日志
func (s *ArtifactStore) ReadJournal(sessionID string) ([]JournalEntry, error) {
	f, err := os.Open(filepath.Join(s.dir, sessionID, journalName))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return nil, err
	}
	defer dec.Close()

	var entries []JournalEntry
	jd := json.NewDecoder(dec)
	for {
		var e JournalEntry
		if err := jd.Decode(&e); err != nil {
			if errors.Is(err, io.EOF) {
				return entries, nil
			}
			return entries, err
		}
		entries = append(entries, e)
	}
}

// FramePath 返回摘要对应的截屏路径
func (s *ArtifactStore) FramePath(sessionID, sum string) string {
	return filepath.Join(s.dir, sessionID, "frames", sum+".png")
}
