// Package binlog journals the progress of transfers in rolling append-only files.
package binlog

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/hetianyi/gomft/common"
	"github.com/hetianyi/gox/convert"
	"github.com/hetianyi/gox/file"
	"github.com/hetianyi/gox/logger"
	json "github.com/json-iterator/go"
)

const (
	MAX_BINLOG_SIZE  = 2 << 20 // records per binlog file
	MAX_BINLOG_FILES = 1000
)

// Event is one journaled state of a transfer record.
type Event struct {
	Time      int64            `json:"t"`
	Id        int64            `json:"id"`
	Requester string           `json:"requester"`
	Requested string           `json:"requested"`
	Owner     string           `json:"owner"`
	Step      common.Step      `json:"step"`
	Status    common.Status    `json:"status"`
	Code      common.ErrorCode `json:"code"`
	Rank      int              `json:"rank"`
}

// EventOf captures the journaled fields of rec.
func EventOf(rec *common.TransferRecord) *Event {
	return &Event{
		Time:      time.Now().UnixNano() / int64(time.Millisecond),
		Id:        rec.Id,
		Requester: rec.Requester,
		Requested: rec.Requested,
		Owner:     rec.Owner,
		Step:      rec.Step,
		Status:    rec.Status,
		Code:      rec.ErrorCode,
		Rank:      rec.Rank,
	}
}

func (e *Event) Key() string {
	return common.RecordKey(e.Id, e.Requester, e.Requested)
}

// Manager writes events to dir/bin.NNN, a new file is started every maxSize records.
type Manager struct {
	dir          string
	maxSize      int
	writeLock    *sync.Mutex
	current      *os.File
	binlogSize   int // records in the current file
	currentIndex int
	buffer       bytes.Buffer
}

// Open opens the binlog directory, creating it if necessary.
func Open(dir string) (*Manager, error) {
	return OpenWithSize(dir, MAX_BINLOG_SIZE)
}

func OpenWithSize(dir string, maxSize int) (*Manager, error) {
	if !file.Exists(dir) {
		if err := file.CreateDirs(dir); err != nil {
			return nil, err
		}
	}
	if maxSize <= 0 {
		maxSize = MAX_BINLOG_SIZE
	}
	m := &Manager{
		dir:       dir,
		maxSize:   maxSize,
		writeLock: new(sync.Mutex),
	}
	index, err := latestIndex(dir)
	if err != nil {
		return nil, err
	}
	size, err := countRecords(m.fileName(index))
	if err != nil {
		return nil, err
	}
	if err := m.use(index, size); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Manager) fileName(i int) string {
	return filepath.Join(m.dir, "bin."+fixZeros(i, 3))
}

// use opens file i for appending.
func (m *Manager) use(i, size int) error {
	if m.current != nil {
		if err := m.current.Close(); err != nil {
			return err
		}
	}
	f, err := file.AppendFile(m.fileName(i))
	if err != nil {
		return err
	}
	logger.Debug("use binlog file: ", m.fileName(i))
	m.current = f
	m.currentIndex = i
	m.binlogSize = size
	return nil
}

// CurrentIndex returns the index of the file being written.
func (m *Manager) CurrentIndex() int {
	m.writeLock.Lock()
	defer m.writeLock.Unlock()
	return m.currentIndex
}

// Write appends e to the current binlog file.
func (m *Manager) Write(e *Event) error {
	m.writeLock.Lock()
	defer m.writeLock.Unlock()
	if m.current == nil {
		return errors.New("binlog closed")
	}
	if m.binlogSize >= m.maxSize {
		if m.currentIndex+1 >= MAX_BINLOG_FILES {
			return errors.New("too many binlog files")
		}
		logger.Debug("binlog exceed max size")
		if err := m.use(m.currentIndex+1, 0); err != nil {
			return err
		}
	}
	defer m.buffer.Reset()
	bs, err := json.Marshal(e)
	if err != nil {
		return err
	}
	m.buffer.Write(bs)
	m.buffer.WriteByte('\n')
	if _, err := m.current.Write(m.buffer.Bytes()); err != nil {
		return err
	}
	m.binlogSize++
	return nil
}

// Read reads at most fetchLine events of file fileIndex from offset.
// It returns the events and the offset following the last one read.
func (m *Manager) Read(fileIndex int, offset int64, fetchLine int) ([]Event, int64, error) {
	name := m.fileName(fileIndex)
	info, err := os.Stat(name)
	if err != nil {
		return nil, offset, err
	}
	if info.Size() <= offset {
		return nil, offset, nil
	}
	f, err := file.GetFile(name)
	if err != nil {
		return nil, offset, err
	}
	defer f.Close()
	if _, err = f.Seek(offset, io.SeekStart); err != nil {
		return nil, offset, err
	}
	bf := bufio.NewReader(f)
	var ret []Event
	var forwardOffset int64
	for fetchLine <= 0 || len(ret) < fetchLine {
		bs, err := bf.ReadBytes('\n')
		if err == io.EOF {
			// a partial line is left for the next read
			break
		}
		if err != nil {
			return nil, offset, err
		}
		forwardOffset += int64(len(bs))
		if len(bs) < 2 {
			continue
		}
		var e Event
		if err := json.Unmarshal(bs, &e); err != nil {
			logger.Debug("skip broken binlog line at ", offset+forwardOffset, ": ", err)
			continue
		}
		ret = append(ret, e)
	}
	return ret, offset + forwardOffset, nil
}

// History returns the journaled events of the transfer identified by key,
// oldest first. An empty key matches every transfer.
func (m *Manager) History(key string) ([]Event, error) {
	var ret []Event
	for i := 0; i <= m.CurrentIndex(); i++ {
		events, _, err := m.Read(i, 0, 0)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
		for _, e := range events {
			if key == "" || e.Key() == key {
				ret = append(ret, e)
			}
		}
	}
	return ret, nil
}

// Close closes the current file, later writes fail.
func (m *Manager) Close() error {
	m.writeLock.Lock()
	defer m.writeLock.Unlock()
	if m.current == nil {
		return nil
	}
	err := m.current.Close()
	m.current = nil
	return err
}

// latestIndex finds the last binlog file, binlog files must be contiguous.
func latestIndex(dir string) (int, error) {
	index := -1
	for i := MAX_BINLOG_FILES - 1; i >= 0; i-- {
		exists := file.Exists(filepath.Join(dir, "bin."+fixZeros(i, 3)))
		if index < 0 && exists {
			index = i
		}
		if index >= 0 && !exists {
			return 0, errors.New("invalid binlog state: binlog loss")
		}
	}
	if index < 0 {
		return 0, nil
	}
	return index, nil
}

func countRecords(name string) (int, error) {
	if !file.Exists(name) {
		return 0, nil
	}
	f, err := file.GetFile(name)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	n := 0
	bf := bufio.NewReader(f)
	for {
		bs, err := bf.ReadBytes('\n')
		if len(bs) > 1 && err == nil {
			n++
		}
		if err == io.EOF {
			return n, nil
		}
		if err != nil {
			return 0, err
		}
	}
}

func fixZeros(i int, width int) string {
	s := convert.IntToStr(i)
	if len(s) >= width {
		return s
	}
	return strings.Repeat("0", width-len(s)) + s
}
