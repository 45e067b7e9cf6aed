package chainrpc

import "context"

// Mock is a scripted providers.ChainRPC for tests.
type Mock struct {
	Result []byte
	Err    error
	Calls  []string
}

func (m *Mock) ReadContract(_ context.Context, address, abi, fn string, _ []interface{}) ([]byte, error) {
	m.Calls = append(m.Calls, address+"."+fn)
	if m.Err != nil {
		return nil, m.Err
	}
	return m.Result, nil
}
