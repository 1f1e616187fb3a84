package logger

import (
	"encoding/json"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// FileTier writes entries as JSON lines to a rotating file. Writes are
// buffered through a channel and flushed in batches so a slow disk never
// stalls the hot path; when the buffer is full entries are dropped.
type FileTier struct {
	config    *Config
	sink      *lumberjack.Logger
	buffer    chan *Entry
	closeChan chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewFileTier builds the rotating file tier from config
func NewFileTier(config *Config) (*FileTier, error) {
	ft := &FileTier{
		config: config,
		sink: &lumberjack.Logger{
			Filename:   config.File.Path,
			MaxSize:    config.File.MaxSizeMB,
			MaxBackups: config.File.MaxBackups,
			MaxAge:     config.File.MaxAgeDays,
			Compress:   config.File.Compress,
		},
		buffer:    make(chan *Entry, config.File.BufferSize),
		closeChan: make(chan struct{}),
	}

	ft.wg.Add(1)
	go ft.batchWriter()
	return ft, nil
}

// Write queues one entry; it never blocks
func (ft *FileTier) Write(entry *Entry) {
	select {
	case ft.buffer <- entry:
	default:
		// Buffer full; dropping beats blocking the caller
	}
}

// Close drains remaining entries and closes the file
func (ft *FileTier) Close() error {
	ft.closeOnce.Do(func() {
		close(ft.closeChan)
	})
	ft.wg.Wait()
	return ft.sink.Close()
}

// batchWriter accumulates entries and writes them in batches bounded by
// BatchSize and BatchInterval
func (ft *FileTier) batchWriter() {
	defer ft.wg.Done()

	batch := make([]*Entry, 0, ft.config.File.BatchSize)
	ticker := time.NewTicker(ft.config.File.BatchInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		for _, entry := range batch {
			line, err := json.Marshal(entry)
			if err != nil {
				continue
			}
			_, _ = ft.sink.Write(append(line, '\n'))
		}
		batch = batch[:0]
	}

	for {
		select {
		case entry := <-ft.buffer:
			batch = append(batch, entry)
			if len(batch) >= ft.config.File.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-ft.closeChan:
			// Drain whatever is still queued before exiting
			for {
				select {
				case entry := <-ft.buffer:
					batch = append(batch, entry)
				default:
					flush()
					return
				}
			}
		}
	}
}
