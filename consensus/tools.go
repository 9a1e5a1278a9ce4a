package consensus

import (
	"bytes"
	"fmt"

	"github.com/hashicorp/go-msgpack/codec"
)

func encode(data interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := codec.NewEncoder(&buf, &codec.MsgpackHandle{})
	if err := enc.Encode(data); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decode(data []byte, out interface{}) error {
	dec := codec.NewDecoder(bytes.NewReader(data), &codec.MsgpackHandle{})
	return dec.Decode(out)
}

// EncodeProposal is the payload carried by a proposal stream.
func EncodeProposal(p *Proposal) ([]byte, error) {
	return encode(p)
}

func DecodeProposal(data []byte) (*Proposal, error) {
	p := new(Proposal)
	if err := decode(data, p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedProposal, err)
	}
	return p, nil
}

type voteSignBody struct {
	Type      VoteType
	Height    Height
	Round     Round
	ContentID *ContentID
	Voter     ValidatorID
}

// VoteSignBytes is what a vote's Signature covers.
func VoteSignBytes(v Vote) ([]byte, error) {
	return encode(voteSignBody{
		Type:      v.Type,
		Height:    v.Height,
		Round:     v.Round,
		ContentID: v.ContentID,
		Voter:     v.Voter,
	})
}

type commitSignBody struct {
	Height    Height
	Round     Round
	ContentID ContentID
}

// CommitSignBytes is what threshold partial signatures and certificates cover.
func CommitSignBytes(h Height, r Round, id ContentID) ([]byte, error) {
	return encode(commitSignBody{Height: h, Round: r, ContentID: id})
}
