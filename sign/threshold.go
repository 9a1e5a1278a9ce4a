package sign

import (
	"encoding/binary"
	"errors"
	"fmt"

	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/kyber/v3/pairing/bn256"
	"go.dedis.ch/kyber/v3/share"
	"go.dedis.ch/kyber/v3/sign/bls"
	"go.dedis.ch/kyber/v3/sign/tbls"
)

var suite = bn256.NewSuite()

var errShortKey = errors.New("encoded key too short")

// GenTSKeys deals a (t, n) threshold key: one private share per node and the
// public polynomial everyone verifies against.
func GenTSKeys(t, n int) ([]*share.PriShare, *share.PubPoly) {
	secret := suite.G1().Scalar().Pick(suite.RandomStream())
	priPoly := share.NewPriPoly(suite.G2(), t, secret, suite.RandomStream())
	pubPoly := priPoly.Commit(suite.G2().Point().Base())
	return priPoly.Shares(n), pubPoly
}

func SignTSPartial(priShare *share.PriShare, msg []byte) ([]byte, error) {
	return tbls.Sign(suite, priShare, msg)
}

func VerifyTSPartial(pubPoly *share.PubPoly, msg, partialSig []byte) error {
	return tbls.Verify(suite, pubPoly, msg, partialSig)
}

// AssembleIntactTSPartial recovers the full signature from at least t
// partial signatures.
func AssembleIntactTSPartial(partialSigs [][]byte, pubPoly *share.PubPoly, msg []byte, t, n int) ([]byte, error) {
	return tbls.Recover(suite, pubPoly, msg, partialSigs, t, n)
}

func VerifyTS(pubPoly *share.PubPoly, msg, sig []byte) error {
	return bls.Verify(suite, pubPoly.Commit(), msg, sig)
}

func EncodeTSPartialKey(priShare *share.PriShare) ([]byte, error) {
	v, err := priShare.V.MarshalBinary()
	if err != nil {
		return nil, err
	}
	out := make([]byte, 4, 4+len(v))
	binary.BigEndian.PutUint32(out, uint32(priShare.I))
	return append(out, v...), nil
}

func DecodeTSPartialKey(data []byte) (*share.PriShare, error) {
	if len(data) < 4 {
		return nil, errShortKey
	}
	v := suite.G2().Scalar()
	if err := v.UnmarshalBinary(data[4:]); err != nil {
		return nil, fmt.Errorf("decode partial key: %w", err)
	}
	return &share.PriShare{I: int(binary.BigEndian.Uint32(data[:4])), V: v}, nil
}

// EncodeTSPublicKey writes the commit count, the base point and the commits.
func EncodeTSPublicKey(pubPoly *share.PubPoly) ([]byte, error) {
	base, commits := pubPoly.Info()
	out := make([]byte, 4)
	binary.BigEndian.PutUint32(out, uint32(len(commits)))
	for _, p := range append([]kyber.Point{base}, commits...) {
		b, err := p.MarshalBinary()
		if err != nil {
			return nil, err
		}
		out = append(out, b...)
	}
	return out, nil
}

func DecodeTSPublicKey(data []byte) (*share.PubPoly, error) {
	if len(data) < 4 {
		return nil, errShortKey
	}
	count := int(binary.BigEndian.Uint32(data[:4]))
	pointLen := suite.G2().PointLen()
	if len(data) != 4+(count+1)*pointLen {
		return nil, fmt.Errorf("decode public key: want %d bytes, got %d", 4+(count+1)*pointLen, len(data))
	}
	points := make([]kyber.Point, count+1)
	for i := range points {
		off := 4 + i*pointLen
		p := suite.G2().Point()
		if err := p.UnmarshalBinary(data[off : off+pointLen]); err != nil {
			return nil, fmt.Errorf("decode public key: %w", err)
		}
		points[i] = p
	}
	return share.NewPubPoly(suite.G2(), points[0], points[1:]), nil
}
