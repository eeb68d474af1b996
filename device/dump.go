package device

import (
	"context"
	"os"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/quiver/bo"
	"github.com/vkngwrapper/quiver/rd"
	"golang.org/x/exp/slog"
)

// dumper records every submission to an rd file. The file is opened with the first submission. A
// dumper that fails to write logs once and stops recording.
type dumper struct {
	logger *slog.Logger
	path   string
	full   bool
	info   Info

	mutex  sync.Mutex
	file   *os.File
	writer *rd.Writer
	failed bool
}

func newDumper(logger *slog.Logger, path string, full bool, info Info) *dumper {
	return &dumper{
		logger: logger,
		path:   path,
		full:   full,
		info:   info,
	}
}

func (d *dumper) open() error {
	file, err := os.Create(d.path)
	if err != nil {
		return errors.Wrapf(err, "failed to create dump file %s", d.path)
	}

	d.file = file
	d.writer = rd.NewWriter(file)

	err = d.writer.Cmd("quiver")
	if err == nil {
		err = d.writer.GPUID(d.info.GPUID)
	}
	if err == nil {
		err = d.writer.ChipID(d.info.ChipID)
	}
	return err
}

func (d *dumper) fail(err error) {
	d.failed = true
	d.logger.LogAttrs(context.Background(), slog.LevelError, "stopped recording submissions",
		slog.String("path", d.path), slog.Any("error", err))
}

// Submission records the buffer objects and command spans of a submission. The registry must be
// locked so that list is stable.
func (d *dumper) Submission(request *SubmitRequest, list []*bo.BO) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if d.failed {
		return
	}

	if d.writer == nil {
		err := d.open()
		if err != nil {
			d.fail(err)
			return
		}
	}

	err := d.writeSubmission(request, list)
	if err == nil {
		err = d.writer.Flush()
	}
	if err != nil {
		d.fail(err)
	}
}

func (d *dumper) writeSubmission(request *SubmitRequest, list []*bo.BO) error {
	for i, b := range list {
		err := d.writer.GPUAddr(b.IOVA(), uint32(b.Size()))
		if err != nil {
			return err
		}

		if request.BOs[i].Flags&SubmitBODump == 0 {
			continue
		}

		contents := b.Mapping()
		if contents == nil {
			continue
		}

		err = d.writer.BufferContents(contents)
		if err != nil {
			return err
		}
	}

	for _, cmd := range request.Cmds {
		err := d.writer.CmdstreamAddr(cmd.IOVA, cmd.Size/4)
		if err != nil {
			return err
		}
	}

	return nil
}

func (d *dumper) Close() error {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if d.file == nil {
		return nil
	}

	var result error
	if !d.failed {
		result = d.writer.Flush()
	}

	err := d.file.Close()
	if err != nil {
		result = errors.CombineErrors(result, err)
	}

	d.file = nil
	d.writer = nil
	return result
}
