package daemon

import (
	"fmt"
	"log"
	"sync"

	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	"github.com/xitongsys/parquet-go/writer"
)

// SubbufRow is the side-export row schema: one row per delivered
// sub-buffer, recording metadata as it is produced. Trace-file contents
// are never reinterpreted after the fact.
type SubbufRow struct {
	Channel    string `parquet:"name=channel, type=BYTE_ARRAY, convertedtype=UTF8"`
	CPU        int32  `parquet:"name=cpu, type=INT32"`
	Index      int32  `parquet:"name=subbuf_index, type=INT32"`
	BeginCycle int64  `parquet:"name=begin_cycle, type=INT64"`
	EndCycle   int64  `parquet:"name=end_cycle, type=INT64"`
	LostSize   int32  `parquet:"name=lost_size, type=INT32"`
	BufSize    int32  `parquet:"name=buf_size, type=INT32"`
	Corrupted  bool   `parquet:"name=corrupted, type=BOOLEAN"`
}

// ParquetSink appends SubbufRow records to a local Parquet file. A write
// failure is logged and disables the sink for the remainder of the run,
// without affecting the primary trace file or the daemon's exit code.
type ParquetSink struct {
	mu       sync.Mutex
	fw       source.ParquetFile
	pw       *writer.ParquetWriter
	disabled bool
}

// NewParquetSink creates (or truncates) the Parquet file at path and
// prepares it to receive SubbufRow records.
func NewParquetSink(path string) (*ParquetSink, error) {
	fw, err := local.NewLocalFileWriter(path)
	if err != nil {
		return nil, fmt.Errorf("daemon: opening parquet sink %s: %w", path, err)
	}
	pw, err := writer.NewParquetWriter(fw, new(SubbufRow), 4)
	if err != nil {
		fw.Close()
		return nil, fmt.Errorf("daemon: creating parquet writer for %s: %w", path, err)
	}
	pw.RowGroupSize = 16 * 1024 * 1024
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	return &ParquetSink{fw: fw, pw: pw}, nil
}

// Record appends row unless the sink has already been disabled by a prior
// write failure.
func (s *ParquetSink) Record(row SubbufRow) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disabled {
		return
	}
	if err := s.pw.Write(row); err != nil {
		log.Printf("daemon: parquet side-export write failed, disabling side-export for the rest of the run: %v", err)
		s.disabled = true
	}
}

// Close flushes and closes the underlying Parquet writer and file.
func (s *ParquetSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error
	if s.pw != nil && !s.disabled {
		if err := s.pw.WriteStop(); err != nil {
			firstErr = fmt.Errorf("daemon: flushing parquet sink: %w", err)
		}
	}
	if err := s.fw.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("daemon: closing parquet sink: %w", err)
	}
	return firstErr
}
