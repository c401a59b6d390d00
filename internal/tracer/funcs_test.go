package tracer

// Funcs is a test tracer built from plain functions. Nil callbacks succeed.
type Funcs struct {
	Name      string
	StartFunc func() error
	StopFunc  func() error
	ResetFunc func() error
	DumpFunc  func(Section) error
}

func (f *Funcs) ID() string { return f.Name }

func (f *Funcs) Start() error { return call(f.StartFunc) }

func (f *Funcs) Stop() error { return call(f.StopFunc) }

func (f *Funcs) Reset() error { return call(f.ResetFunc) }

func (f *Funcs) Dump(s Section) error {
	if f.DumpFunc == nil {
		return nil
	}
	return f.DumpFunc(s)
}

func call(fn func() error) error {
	if fn == nil {
		return nil
	}
	return fn()
}
