package vmfs

// memDevice is a flat in-memory BlockDevice backing, used throughout this
// package's tests in place of a real block device node.
type memDevice struct {
	data []byte
}

func newMemDevice(size int64) *memDevice {
	return &memDevice{data: make([]byte, size)}
}

func (d *memDevice) ReadAt(pos int64, length int) ([]byte, error) {
	if pos < 0 || pos+int64(length) > int64(len(d.data)) {
		return nil, newErr("testdevice.read", ErrIO, nil)
	}
	out := make([]byte, length)
	copy(out, d.data[pos:pos+int64(length)])
	return out, nil
}

func (d *memDevice) WriteAt(pos int64, b []byte) (int, error) {
	if pos < 0 || pos+int64(len(b)) > int64(len(d.data)) {
		return 0, newErr("testdevice.write", ErrIO, nil)
	}
	return copy(d.data[pos:], b), nil
}

func (d *memDevice) Reserve(int64) error { return nil }
func (d *memDevice) Release(int64) error { return nil }
func (d *memDevice) Close() error        { return nil }

// recordingLogger captures Warnf calls for assertions, instead of writing to
// the real logrus default logger.
type recordingLogger struct {
	warnings []string
}

func (l *recordingLogger) Warnf(format string, args ...interface{}) {
	l.warnings = append(l.warnings, format)
}

func (l *recordingLogger) Debugf(format string, args ...interface{}) {}
