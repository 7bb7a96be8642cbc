package parser

import "github.com/mitchellh/mapstructure"

// placeholder is the wire sentinel substituted for each detached
// attachment: {"_placeholder":true,"num":k}.
type placeholder struct {
	Placeholder bool `json:"_placeholder" mapstructure:"_placeholder"`
	Num         int  `json:"num" mapstructure:"num"`
}

// DeconstructPacket walks packet.Data depth-first, replacing every []byte
// with a numbered placeholder and collecting the removed buffers in
// dense, 0-based discovery order. packet.Attachments is set to the
// resulting count.
func DeconstructPacket(packet *Packet) (*Packet, [][]byte) {
	var buffers [][]byte
	packet.Data = deconstruct(packet.Data, &buffers)
	n := uint64(len(buffers))
	packet.Attachments = &n
	return packet, buffers
}

func deconstruct(data any, buffers *[][]byte) any {
	if data == nil {
		return nil
	}
	if b, ok := data.([]byte); ok {
		ph := placeholder{Placeholder: true, Num: len(*buffers)}
		*buffers = append(*buffers, b)
		return ph
	}
	switch v := data.(type) {
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = deconstruct(item, buffers)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			out[k] = deconstruct(item, buffers)
		}
		return out
	}
	return data
}

// ReconstructPacket restores each placeholder in packet.Data with the
// buffer sharing its num, in the order the buffers arrived on the wire.
func ReconstructPacket(packet *Packet, buffers [][]byte) (*Packet, error) {
	data, err := reconstruct(packet.Data, buffers)
	if err != nil {
		return nil, err
	}
	packet.Data = data
	packet.Attachments = nil
	return packet, nil
}

func reconstruct(data any, buffers [][]byte) (any, error) {
	if data == nil {
		return nil, nil
	}
	switch v := data.(type) {
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			r, err := reconstruct(item, buffers)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	case map[string]any:
		var ph placeholder
		if mapstructure.Decode(v, &ph) == nil && ph.Placeholder {
			if ph.Num < 0 || ph.Num >= len(buffers) {
				return nil, newProtocolError("illegal attachment index %d", ph.Num)
			}
			return buffers[ph.Num], nil
		}
		out := make(map[string]any, len(v))
		for k, item := range v {
			r, err := reconstruct(item, buffers)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	}
	return data, nil
}
