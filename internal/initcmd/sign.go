package initcmd

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"math/big"
	"os"

	"github.com/pkg/errors"
)

// SignatureSize is the length of a raw r||s P-256 signature.
const SignatureSize = 64

var (
	ErrSignatureMissing = errors.New("init command is not signed")
	ErrSignatureType    = errors.New("unsupported signature type")
	ErrSignature        = errors.New("signature verification failed")
)

// Sign encodes cmd and wraps it in a signed packet.
func Sign(cmd *Command, key *ecdsa.PrivateKey) (*Packet, error) {
	raw := EncodeCommand(cmd)
	digest := sha256.Sum256(raw)

	r, s, err := ecdsa.Sign(rand.Reader, key, digest[:])
	if err != nil {
		return nil, errors.Wrap(err, "sign init command")
	}

	sig := make([]byte, SignatureSize)
	r.FillBytes(sig[:32])
	s.FillBytes(sig[32:])

	return &Packet{SignedCommand: &SignedCommand{
		Command:       *cmd,
		Raw:           raw,
		SignatureType: SignatureECDSAP256SHA256,
		Signature:     sig,
	}}, nil
}

// Verify checks the packet signature against pub.
func Verify(p *Packet, pub *ecdsa.PublicKey) error {
	sc := p.SignedCommand
	if sc == nil {
		return ErrSignatureMissing
	}
	if sc.SignatureType != SignatureECDSAP256SHA256 {
		return errors.Wrapf(ErrSignatureType, "type %d", sc.SignatureType)
	}
	if len(sc.Signature) != SignatureSize {
		return errors.Wrapf(ErrSignature, "signature is %d bytes", len(sc.Signature))
	}

	digest := sha256.Sum256(sc.Raw)
	r := new(big.Int).SetBytes(sc.Signature[:32])
	s := new(big.Int).SetBytes(sc.Signature[32:])
	if !ecdsa.Verify(pub, digest[:], r, s) {
		return ErrSignature
	}
	return nil
}

// GenerateKey creates a P-256 signing key.
func GenerateKey() (*ecdsa.PrivateKey, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	return key, errors.Wrap(err, "generate key")
}

// MarshalPrivateKey encodes key as PEM.
func MarshalPrivateKey(key *ecdsa.PrivateKey) ([]byte, error) {
	der, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, errors.Wrap(err, "marshal private key")
	}
	return pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der}), nil
}

// MarshalPublicKey encodes pub as PEM.
func MarshalPublicKey(pub *ecdsa.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, errors.Wrap(err, "marshal public key")
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}

// ParsePrivateKey decodes a PEM encoded P-256 private key.
func ParsePrivateKey(data []byte) (*ecdsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("no PEM block in private key")
	}
	key, err := x509.ParseECPrivateKey(block.Bytes)
	if err != nil {
		return nil, errors.Wrap(err, "parse private key")
	}
	if key.Curve != elliptic.P256() {
		return nil, errors.New("private key is not P-256")
	}
	return key, nil
}

// ParsePublicKey decodes a PEM encoded P-256 public key.
func ParsePublicKey(data []byte) (*ecdsa.PublicKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("no PEM block in public key")
	}
	k, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, errors.Wrap(err, "parse public key")
	}
	pub, ok := k.(*ecdsa.PublicKey)
	if !ok || pub.Curve != elliptic.P256() {
		return nil, errors.New("public key is not P-256 ECDSA")
	}
	return pub, nil
}

// LoadPrivateKey reads a PEM private key file.
func LoadPrivateKey(path string) (*ecdsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read private key")
	}
	return ParsePrivateKey(data)
}

// LoadPublicKey reads a PEM public key file.
func LoadPublicKey(path string) (*ecdsa.PublicKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read public key")
	}
	return ParsePublicKey(data)
}

// Manifest describes an image to build an init command for.
type Manifest struct {
	Type      FwType
	FwVersion uint32
	HwVersion uint32
	SdReq     []uint32
	SdSize    uint32
	BlSize    uint32
	IsDebug   bool
}

// Build creates the init command for image. The image size is assigned
// from the manifest type; for combined images SdSize must be set and the
// remainder is the bootloader.
func Build(m Manifest, image []byte) (*Command, error) {
	digest := sha256.Sum256(image)
	ic := &InitCommand{
		FwVersion: Uint32(m.FwVersion),
		HwVersion: Uint32(m.HwVersion),
		SdReq:     m.SdReq,
		Type:      m.Type,
		Hash:      &Hash{Type: HashSHA256, Hash: digest[:]},
		IsDebug:   m.IsDebug,
	}

	size := uint32(len(image))
	switch m.Type {
	case FwApplication:
		ic.AppSize = size
	case FwSoftDevice:
		ic.SdSize = size
	case FwBootloader:
		ic.BlSize = size
	case FwSoftDeviceBootloader:
		if m.SdSize == 0 || m.SdSize >= size {
			return nil, errors.Errorf("softdevice size %d does not split a %d byte image", m.SdSize, size)
		}
		ic.SdSize = m.SdSize
		ic.BlSize = size - m.SdSize
	default:
		return nil, errors.Errorf("unknown firmware type %d", m.Type)
	}
	return &Command{OpCode: OpInit, Init: ic}, nil
}
