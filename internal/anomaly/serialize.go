package anomaly

import (
	"bytes"
	"compress/gzip"
	"encoding/gob"

	"github.com/rotisserie/eris"
)

// stateEnvelope wraps serialized model state with the kind that produced it,
// so a blob restored into the wrong model fails loudly instead of quietly
// producing garbage scores.
type stateEnvelope struct {
	Kind    string
	Payload []byte
}

// marshalState compresses a model's fitted state with gob encoding and gzip.
func marshalState(kind string, state any) ([]byte, error) {
	var payload bytes.Buffer
	if err := gob.NewEncoder(&payload).Encode(state); err != nil {
		return nil, eris.Wrapf(err, "anomaly: encode %s state", kind)
	}

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if err := gob.NewEncoder(gz).Encode(stateEnvelope{Kind: kind, Payload: payload.Bytes()}); err != nil {
		gz.Close()
		return nil, eris.Wrapf(err, "anomaly: compress %s state", kind)
	}
	if err := gz.Close(); err != nil {
		return nil, eris.Wrapf(err, "anomaly: flush %s state", kind)
	}
	return buf.Bytes(), nil
}

// unmarshalState decodes a gob+gzip blob into state, rejecting blobs written
// by a different model kind.
func unmarshalState(blob []byte, kind string, state any) error {
	if len(blob) == 0 {
		return eris.Errorf("anomaly: empty %s state blob", kind)
	}
	gz, err := gzip.NewReader(bytes.NewReader(blob))
	if err != nil {
		return eris.Wrapf(err, "anomaly: open %s state blob", kind)
	}
	defer gz.Close()

	var env stateEnvelope
	if err := gob.NewDecoder(gz).Decode(&env); err != nil {
		return eris.Wrapf(err, "anomaly: decode %s state blob", kind)
	}
	if env.Kind != kind {
		return eris.Errorf("anomaly: state blob was written by %s, not %s", env.Kind, kind)
	}
	if err := gob.NewDecoder(bytes.NewReader(env.Payload)).Decode(state); err != nil {
		return eris.Wrapf(err, "anomaly: decode %s state", kind)
	}
	return nil
}
