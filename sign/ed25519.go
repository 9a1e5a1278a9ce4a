package sign

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
)

func GenED25519Keys() (ed25519.PrivateKey, ed25519.PublicKey) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		panic(err)
	}
	return priv, pub
}

func SignEd25519(privateKey ed25519.PrivateKey, msg []byte) []byte {
	return ed25519.Sign(privateKey, msg)
}

func VerifySignEd25519(publicKey ed25519.PublicKey, msg, sig []byte) (bool, error) {
	if len(publicKey) != ed25519.PublicKeySize {
		return false, fmt.Errorf("bad ed25519 public key length %d", len(publicKey))
	}
	if len(sig) != ed25519.SignatureSize {
		return false, nil
	}
	return ed25519.Verify(publicKey, msg, sig), nil
}
