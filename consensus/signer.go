package consensus

import (
	"crypto/ed25519"
	"errors"
	"fmt"

	"go.dedis.ch/kyber/v3/share"

	"github.com/gitzhang10/seqbft/sign"
)

// KeySigner signs votes with the node's ed25519 key and, when it holds a
// threshold share, adds a partial signature to non-nil precommits.
type KeySigner struct {
	privateKey ed25519.PrivateKey
	tsShare    *share.PriShare
}

func NewKeySigner(privateKey ed25519.PrivateKey, tsShare *share.PriShare) *KeySigner {
	return &KeySigner{privateKey: privateKey, tsShare: tsShare}
}

func (s *KeySigner) SignVote(v *Vote) error {
	msg, err := VoteSignBytes(*v)
	if err != nil {
		return err
	}
	v.Signature = sign.SignEd25519(s.privateKey, msg)
	if s.tsShare == nil || v.Type != Precommit || v.ContentID == nil {
		return nil
	}
	commit, err := CommitSignBytes(v.Height, v.Round, *v.ContentID)
	if err != nil {
		return err
	}
	v.PartialSig, err = sign.SignTSPartial(s.tsShare, commit)
	return err
}

// KeyVerifier checks votes against the cluster's ed25519 keys and, if set,
// the threshold public polynomial.
type KeyVerifier struct {
	publicKeys map[ValidatorID]ed25519.PublicKey
	tsPublic   *share.PubPoly
}

func NewKeyVerifier(publicKeys map[ValidatorID]ed25519.PublicKey, tsPublic *share.PubPoly) *KeyVerifier {
	return &KeyVerifier{publicKeys: publicKeys, tsPublic: tsPublic}
}

func (kv *KeyVerifier) VerifyVote(v Vote) error {
	pub, ok := kv.publicKeys[v.Voter]
	if !ok {
		return fmt.Errorf("%w: no key for %s", ErrUnknownVoter, v.Voter)
	}
	msg, err := VoteSignBytes(v)
	if err != nil {
		return err
	}
	valid, err := sign.VerifySignEd25519(pub, msg, v.Signature)
	if err != nil {
		return err
	}
	if !valid {
		return errors.New("ed25519 signature mismatch")
	}
	if len(v.PartialSig) == 0 || kv.tsPublic == nil {
		return nil
	}
	if v.Type != Precommit || v.ContentID == nil {
		return errors.New("partial signature on a vote that cannot carry one")
	}
	commit, err := CommitSignBytes(v.Height, v.Round, *v.ContentID)
	if err != nil {
		return err
	}
	return sign.VerifyTSPartial(kv.tsPublic, commit, v.PartialSig)
}

// ThresholdCertifier recovers a threshold signature over the commit bytes
// from the partial signatures on a decision's precommits. The threshold
// counts signers, not weight.
type ThresholdCertifier struct {
	tsPublic *share.PubPoly
	t, n     int
}

func NewThresholdCertifier(tsPublic *share.PubPoly, t, n int) *ThresholdCertifier {
	return &ThresholdCertifier{tsPublic: tsPublic, t: t, n: n}
}

func (c *ThresholdCertifier) Certify(d *Decision) ([]byte, error) {
	partials := make([][]byte, 0, len(d.Precommits))
	for _, v := range d.Precommits {
		if len(v.PartialSig) > 0 {
			partials = append(partials, v.PartialSig)
		}
	}
	if len(partials) < c.t {
		return nil, fmt.Errorf("%w: have %d, need %d", ErrInsufficientPartials, len(partials), c.t)
	}
	commit, err := CommitSignBytes(d.Height, d.Round, d.ContentID)
	if err != nil {
		return nil, err
	}
	return sign.AssembleIntactTSPartial(partials, c.tsPublic, commit, c.t, c.n)
}

// VerifyCertificate checks a decision certificate against the public polynomial.
func VerifyCertificate(tsPublic *share.PubPoly, d Decision) error {
	commit, err := CommitSignBytes(d.Height, d.Round, d.ContentID)
	if err != nil {
		return err
	}
	return sign.VerifyTS(tsPublic, commit, d.Certificate)
}
