package history

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"google.golang.org/protobuf/encoding/protodelim"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/bringyour/deltahub/hub"
)

// an append-only file of length-delimited protobuf records
// each record is a `Struct` with the record time and the delta as json values
// records are expected in time order, which is the order the recorder appends them
type FileStore struct {
	path string

	stateLock sync.Mutex
	file      *os.File
}

func NewFileStore(path string) (*FileStore, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return &FileStore{
		path: path,
		file: file,
	}, nil
}

func (self *FileStore) Append(ctx context.Context, t time.Time, delta *hub.Delta) error {
	message, err := encodeRecord(t, delta)
	if err != nil {
		return err
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.file == nil {
		return os.ErrClosed
	}
	_, err = protodelim.MarshalTo(self.file, message)
	return err
}

func (self *FileStore) HasAnyData(ctx context.Context, start time.Time) (bool, error) {
	found := false
	err := self.scan(ctx, start, func(t time.Time, delta *hub.Delta) error {
		found = true
		return errStopScan
	})
	if err != nil && !errors.Is(err, errStopScan) {
		return false, err
	}
	return found, nil
}

func (self *FileStore) StreamHistory(ctx context.Context, start time.Time, callback func(delta *hub.Delta) error) error {
	return self.scan(ctx, start, func(t time.Time, delta *hub.Delta) error {
		return callback(delta)
	})
}

var errStopScan = errors.New("stop scan")

func (self *FileStore) scan(ctx context.Context, start time.Time, callback func(t time.Time, delta *hub.Delta) error) error {
	file, err := os.Open(self.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	defer file.Close()

	reader := bufio.NewReader(file)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		message := &structpb.Struct{}
		if err := protodelim.UnmarshalFrom(reader, message); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			if errors.Is(err, io.ErrUnexpectedEOF) {
				// a record being appended
				return nil
			}
			return err
		}
		t, delta, err := decodeRecord(message)
		if err != nil {
			return err
		}
		if t.Before(start) {
			continue
		}
		if err := callback(t, delta); err != nil {
			return err
		}
	}
}

func (self *FileStore) Close() error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.file == nil {
		return nil
	}
	err := self.file.Close()
	self.file = nil
	return err
}

func encodeRecord(t time.Time, delta *hub.Delta) (*structpb.Struct, error) {
	deltaJson, err := json.Marshal(delta)
	if err != nil {
		return nil, err
	}
	var deltaValue map[string]any
	if err := json.Unmarshal(deltaJson, &deltaValue); err != nil {
		return nil, err
	}
	return structpb.NewStruct(map[string]any{
		"time":  t.UTC().Format(time.RFC3339Nano),
		"delta": deltaValue,
	})
}

func decodeRecord(message *structpb.Struct) (time.Time, *hub.Delta, error) {
	fields := message.GetFields()
	t, err := time.Parse(time.RFC3339Nano, fields["time"].GetStringValue())
	if err != nil {
		return time.Time{}, nil, fmt.Errorf("record time: %w", err)
	}
	deltaStruct := fields["delta"].GetStructValue()
	if deltaStruct == nil {
		return time.Time{}, nil, fmt.Errorf("record has no delta")
	}
	deltaJson, err := json.Marshal(deltaStruct.AsMap())
	if err != nil {
		return time.Time{}, nil, err
	}
	delta := &hub.Delta{}
	if err := json.Unmarshal(deltaJson, delta); err != nil {
		return time.Time{}, nil, err
	}
	return t, delta, nil
}
