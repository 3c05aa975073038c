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

// Package pack 实现 agent wire 信封：内容以 XChaCha20-Poly1305 加密，内容密钥按收件人以 nacl box 封装。
//
// Authcrypt 同时以匿名 box 封装发送方 verkey，收件方可据此认证来源；Anoncrypt 不携带发送方。
package pack

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/nacl/box"
)

var (
	// ErrNotEncrypted 负载不是信封结构，调用方可按明文处理
	ErrNotEncrypted = errors.New("pack: not an encrypted envelope")
	// ErrNoRecipient 信封中没有本地持有私钥的收件人
	ErrNoRecipient = errors.New("pack: no matching recipient key")
	// ErrMalformed 信封结构或密文损坏
	ErrMalformed = errors.New("pack: malformed envelope")
)

const (
	AlgAuthcrypt = "Authcrypt"
	AlgAnoncrypt = "Anoncrypt"

	encXChaCha = "xchacha20poly1305_ietf"
	typJWM     = "JWM/1.0"
)

var b64 = base64.RawURLEncoding

// KeyResolver 按 verkey 取本地私钥；未持有时返回错误
type KeyResolver interface {
	PrivateKey(ctx context.Context, verkey string) (*[32]byte, error)
}

type envelope struct {
	Protected  string `json:"protected"`
	IV         string `json:"iv"`
	Ciphertext string `json:"ciphertext"`
	Tag        string `json:"tag"`
}

type protectedHeader struct {
	Enc        string      `json:"enc"`
	Typ        string      `json:"typ"`
	Alg        string      `json:"alg"`
	Recipients []recipient `json:"recipients"`
}

type recipient struct {
	EncryptedKey string          `json:"encrypted_key"`
	Header       recipientHeader `json:"header"`
}

type recipientHeader struct {
	Kid    string `json:"kid"`
	Sender string `json:"sender,omitempty"`
	IV     string `json:"iv,omitempty"`
}

// Unpacked 解包结果；匿名信封的 SenderKey 为空
type Unpacked struct {
	Plaintext    []byte
	RecipientKey string
	SenderKey    string
}

// Packer 组合 KeyResolver 完成打包与解包
type Packer struct {
	keys KeyResolver
	rand io.Reader
}

func New(keys KeyResolver) *Packer {
	return &Packer{keys: keys, rand: rand.Reader}
}

// Pack senderKey 为空时使用 Anoncrypt
func (p *Packer) Pack(ctx context.Context, plaintext []byte, recipientKeys []string, senderKey string) ([]byte, error) {
	if len(recipientKeys) == 0 {
		return nil, fmt.Errorf("pack: no recipient keys")
	}
	cek := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(p.rand, cek); err != nil {
		return nil, fmt.Errorf("pack: content key: %w", err)
	}

	hdr := protectedHeader{Enc: encXChaCha, Typ: typJWM, Alg: AlgAnoncrypt}
	var senderPriv *[32]byte
	if senderKey != "" {
		hdr.Alg = AlgAuthcrypt
		priv, err := p.keys.PrivateKey(ctx, senderKey)
		if err != nil {
			return nil, fmt.Errorf("pack: sender key %s: %w", senderKey, err)
		}
		senderPriv = priv
	}

	for _, rk := range recipientKeys {
		recipPub, err := DecodeVerkey(rk)
		if err != nil {
			return nil, err
		}
		r := recipient{Header: recipientHeader{Kid: rk}}
		if senderPriv == nil {
			sealed, err := box.SealAnonymous(nil, cek, recipPub, p.rand)
			if err != nil {
				return nil, fmt.Errorf("pack: seal key: %w", err)
			}
			r.EncryptedKey = b64.EncodeToString(sealed)
		} else {
			var nonce [24]byte
			if _, err := io.ReadFull(p.rand, nonce[:]); err != nil {
				return nil, fmt.Errorf("pack: nonce: %w", err)
			}
			sender, err := box.SealAnonymous(nil, []byte(senderKey), recipPub, p.rand)
			if err != nil {
				return nil, fmt.Errorf("pack: seal sender: %w", err)
			}
			r.EncryptedKey = b64.EncodeToString(box.Seal(nil, cek, &nonce, recipPub, senderPriv))
			r.Header.Sender = b64.EncodeToString(sender)
			r.Header.IV = b64.EncodeToString(nonce[:])
		}
		hdr.Recipients = append(hdr.Recipients, r)
	}

	rawHdr, err := json.Marshal(hdr)
	if err != nil {
		return nil, fmt.Errorf("pack: header: %w", err)
	}
	protected := b64.EncodeToString(rawHdr)

	aead, err := chacha20poly1305.NewX(cek)
	if err != nil {
		return nil, fmt.Errorf("pack: aead: %w", err)
	}
	iv := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := io.ReadFull(p.rand, iv); err != nil {
		return nil, fmt.Errorf("pack: iv: %w", err)
	}
	sealed := aead.Seal(nil, iv, plaintext, []byte(protected))
	tagStart := len(sealed) - aead.Overhead()

	return json.Marshal(envelope{
		Protected:  protected,
		IV:         b64.EncodeToString(iv),
		Ciphertext: b64.EncodeToString(sealed[:tagStart]),
		Tag:        b64.EncodeToString(sealed[tagStart:]),
	})
}

// Unpack 解包；不是信封结构时返回 ErrNotEncrypted
func (p *Packer) Unpack(ctx context.Context, wire []byte) (*Unpacked, error) {
	var env envelope
	if err := json.Unmarshal(wire, &env); err != nil || env.Protected == "" || env.Ciphertext == "" {
		return nil, ErrNotEncrypted
	}
	rawHdr, err := b64.DecodeString(env.Protected)
	if err != nil {
		return nil, fmt.Errorf("%w: protected: %v", ErrMalformed, err)
	}
	var hdr protectedHeader
	if err := json.Unmarshal(rawHdr, &hdr); err != nil {
		return nil, fmt.Errorf("%w: protected: %v", ErrMalformed, err)
	}
	if hdr.Alg != AlgAuthcrypt && hdr.Alg != AlgAnoncrypt {
		return nil, fmt.Errorf("%w: unsupported alg %q", ErrMalformed, hdr.Alg)
	}

	var (
		recip *recipient
		priv  *[32]byte
	)
	for i := range hdr.Recipients {
		k, err := p.keys.PrivateKey(ctx, hdr.Recipients[i].Header.Kid)
		if err == nil {
			recip, priv = &hdr.Recipients[i], k
			break
		}
	}
	if recip == nil {
		return nil, ErrNoRecipient
	}
	recipPub, err := PublicFromPrivate(priv)
	if err != nil {
		return nil, err
	}

	out := &Unpacked{RecipientKey: recip.Header.Kid}
	encKey, err := b64.DecodeString(recip.EncryptedKey)
	if err != nil {
		return nil, fmt.Errorf("%w: encrypted_key: %v", ErrMalformed, err)
	}
	var cek []byte
	if hdr.Alg == AlgAnoncrypt {
		var ok bool
		if cek, ok = box.OpenAnonymous(nil, encKey, recipPub, priv); !ok {
			return nil, fmt.Errorf("%w: cannot open content key", ErrMalformed)
		}
	} else {
		sealedSender, err := b64.DecodeString(recip.Header.Sender)
		if err != nil {
			return nil, fmt.Errorf("%w: sender: %v", ErrMalformed, err)
		}
		sender, ok := box.OpenAnonymous(nil, sealedSender, recipPub, priv)
		if !ok {
			return nil, fmt.Errorf("%w: cannot open sender", ErrMalformed)
		}
		senderPub, err := DecodeVerkey(string(sender))
		if err != nil {
			return nil, err
		}
		rawNonce, err := b64.DecodeString(recip.Header.IV)
		if err != nil || len(rawNonce) != 24 {
			return nil, fmt.Errorf("%w: recipient iv", ErrMalformed)
		}
		var nonce [24]byte
		copy(nonce[:], rawNonce)
		if cek, ok = box.Open(nil, encKey, &nonce, senderPub, priv); !ok {
			return nil, fmt.Errorf("%w: cannot open content key", ErrMalformed)
		}
		out.SenderKey = string(sender)
	}

	aead, err := chacha20poly1305.NewX(cek)
	if err != nil {
		return nil, fmt.Errorf("%w: content key: %v", ErrMalformed, err)
	}
	iv, err1 := b64.DecodeString(env.IV)
	ct, err2 := b64.DecodeString(env.Ciphertext)
	tag, err3 := b64.DecodeString(env.Tag)
	if err := errors.Join(err1, err2, err3); err != nil || len(iv) != chacha20poly1305.NonceSizeX {
		return nil, fmt.Errorf("%w: body encoding", ErrMalformed)
	}
	plain, err := aead.Open(nil, iv, append(ct, tag...), []byte(env.Protected))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	out.Plaintext = plain
	return out, nil
}
