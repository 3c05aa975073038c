// Copyright 2026 fanjia1024
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package pack

import (
	"fmt"
	"io"

	"github.com/mr-tron/base58/base58"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/nacl/box"
)

// KeyPair X25519 密钥对；verkey 为公钥的 base58 编码
type KeyPair struct {
	Public  *[32]byte
	Private *[32]byte
}

func GenerateKeyPair(rand io.Reader) (KeyPair, error) {
	pub, priv, err := box.GenerateKey(rand)
	if err != nil {
		return KeyPair{}, fmt.Errorf("generate key: %w", err)
	}
	return KeyPair{Public: pub, Private: priv}, nil
}

// KeyPairFromSeed 以 32 字节种子作为私钥
func KeyPairFromSeed(seed []byte) (KeyPair, error) {
	if len(seed) != 32 {
		return KeyPair{}, fmt.Errorf("%w: seed must be 32 bytes", ErrMalformed)
	}
	priv := new([32]byte)
	copy(priv[:], seed)
	pub, err := PublicFromPrivate(priv)
	if err != nil {
		return KeyPair{}, err
	}
	return KeyPair{Public: pub, Private: priv}, nil
}

func PublicFromPrivate(priv *[32]byte) (*[32]byte, error) {
	raw, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("derive public key: %w", err)
	}
	pub := new([32]byte)
	copy(pub[:], raw)
	return pub, nil
}

func (k KeyPair) Verkey() string { return Verkey(k.Public) }

func Verkey(pub *[32]byte) string { return base58.Encode(pub[:]) }

// DecodeVerkey base58 解码并校验长度
func DecodeVerkey(verkey string) (*[32]byte, error) {
	raw, err := base58.Decode(verkey)
	if err != nil {
		return nil, fmt.Errorf("%w: verkey %q: %v", ErrMalformed, verkey, err)
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("%w: verkey %q has %d bytes", ErrMalformed, verkey, len(raw))
	}
	out := new([32]byte)
	copy(out[:], raw)
	return out, nil
}
