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

// Package wallet 管理本地密钥、DID 及对端服务元数据。
//
// 私钥经口令加密后存入 secrets.Store；DID 与 verkey 的映射和服务元数据存入 cache.Store。
package wallet

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	stderrors "errors"
	"fmt"
	"sync"

	"github.com/mr-tron/base58/base58"

	"didcomm-agent/internal/pack"
	"didcomm-agent/internal/storage/cache"
	"didcomm-agent/internal/transport"
	"didcomm-agent/pkg/config"
	"didcomm-agent/pkg/errors"
	"didcomm-agent/pkg/secrets"
)

var (
	// ErrWrongPassphrase 口令无法解开已有 wallet
	ErrWrongPassphrase = stderrors.New("wallet: wrong passphrase")
	// ErrClosed wallet 已关闭
	ErrClosed = stderrors.New("wallet: closed")
)

const checkValue = "didcomm-agent-wallet"

// Wallet 并发安全
type Wallet struct {
	name    string
	secrets secrets.Store
	meta    cache.Store

	mu     sync.RWMutex
	sealer *sealer
	keys   map[string]*[32]byte
	closed bool
}

// Open 打开或创建 wallet；Ephemeral 时先清空已有内容
func Open(ctx context.Context, cfg config.WalletConfig, sec secrets.Store, meta cache.Store) (*Wallet, error) {
	if cfg.Name == "" {
		return nil, errors.Wrap(errors.ErrInvalidArg, "wallet name is required")
	}
	w := &Wallet{name: cfg.Name, secrets: sec, meta: meta, keys: make(map[string]*[32]byte)}
	if cfg.Ephemeral {
		if err := w.Reset(ctx); err != nil {
			return nil, err
		}
	}
	if err := w.unlock(ctx, cfg.Passphrase); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *Wallet) secretKey(parts ...string) string {
	k := "wallet/" + w.name
	for _, p := range parts {
		k += "/" + p
	}
	return k
}

func (w *Wallet) unlock(ctx context.Context, passphrase string) error {
	var salt []byte
	rawSalt, err := w.secrets.Get(ctx, w.secretKey("salt"))
	switch {
	case err == nil:
		if salt, err = hex.DecodeString(rawSalt); err != nil {
			return fmt.Errorf("wallet %s: corrupt salt: %w", w.name, err)
		}
	case stderrors.Is(err, errors.ErrNotFound):
		if salt, err = newSalt(); err != nil {
			return err
		}
		if err := w.secrets.Set(ctx, w.secretKey("salt"), hex.EncodeToString(salt)); err != nil {
			return errors.Wrap(err, "store wallet salt")
		}
	default:
		return errors.Wrap(err, "read wallet salt")
	}

	s, err := newSealer(passphrase, salt)
	if err != nil {
		return err
	}
	check, err := w.secrets.Get(ctx, w.secretKey("check"))
	switch {
	case err == nil:
		if _, err := s.open(check, []byte(w.name)); err != nil {
			return err
		}
	case stderrors.Is(err, errors.ErrNotFound):
		sealed, err := s.seal([]byte(checkValue), []byte(w.name))
		if err != nil {
			return err
		}
		if err := w.secrets.Set(ctx, w.secretKey("check"), sealed); err != nil {
			return errors.Wrap(err, "store wallet check")
		}
	default:
		return errors.Wrap(err, "read wallet check")
	}
	w.sealer = s
	return nil
}

func (w *Wallet) Name() string { return w.name }

// CreateKey seed 为空时随机生成；返回 verkey
func (w *Wallet) CreateKey(ctx context.Context, seed []byte) (string, error) {
	var (
		kp  pack.KeyPair
		err error
	)
	if len(seed) > 0 {
		kp, err = pack.KeyPairFromSeed(seed)
	} else {
		kp, err = pack.GenerateKeyPair(rand.Reader)
	}
	if err != nil {
		return "", err
	}
	verkey := kp.Verkey()

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return "", ErrClosed
	}
	sealed, err := w.sealer.seal(kp.Private[:], []byte(verkey))
	if err != nil {
		return "", err
	}
	if err := w.secrets.Set(ctx, w.secretKey("keys", verkey), sealed); err != nil {
		return "", errors.Wrap(err, "store private key")
	}
	if err := w.indexKey(ctx, verkey); err != nil {
		return "", err
	}
	w.keys[verkey] = kp.Private
	return verkey, nil
}

func (w *Wallet) indexKey(ctx context.Context, verkey string) error {
	var index []string
	if err := w.meta.Get(ctx, "index:keys", &index); err != nil && !stderrors.Is(err, errors.ErrNotFound) {
		return err
	}
	for _, k := range index {
		if k == verkey {
			return nil
		}
	}
	return w.meta.Set(ctx, "index:keys", append(index, verkey), 0)
}

// Keys 本 wallet 持有私钥的 verkey
func (w *Wallet) Keys(ctx context.Context) ([]string, error) {
	var index []string
	if err := w.meta.Get(ctx, "index:keys", &index); err != nil && !stderrors.Is(err, errors.ErrNotFound) {
		return nil, err
	}
	return index, nil
}

// CreateDID 新建密钥并以其 verkey 前 16 字节派生 DID
func (w *Wallet) CreateDID(ctx context.Context, seed []byte) (did string, verkey string, err error) {
	verkey, err = w.CreateKey(ctx, seed)
	if err != nil {
		return "", "", err
	}
	did, err = DIDFromVerkey(verkey)
	if err != nil {
		return "", "", err
	}
	if err := w.StoreDID(ctx, did, verkey); err != nil {
		return "", "", err
	}
	return did, verkey, nil
}

// DIDFromVerkey base58(verkey 原始字节[:16])
func DIDFromVerkey(verkey string) (string, error) {
	pub, err := pack.DecodeVerkey(verkey)
	if err != nil {
		return "", err
	}
	return base58.Encode(pub[:16]), nil
}

// StoreDID 记录 DID 与 verkey 的双向映射；对端 DID 也用此方法
func (w *Wallet) StoreDID(ctx context.Context, did, verkey string) error {
	if err := w.meta.Set(ctx, "did:"+did, verkey, 0); err != nil {
		return err
	}
	return w.meta.Set(ctx, "key:"+verkey, did, 0)
}

func (w *Wallet) KeyForDID(ctx context.Context, did string) (string, error) {
	var verkey string
	if err := w.meta.Get(ctx, "did:"+did, &verkey); err != nil {
		return "", err
	}
	return verkey, nil
}

func (w *Wallet) DIDForKey(ctx context.Context, verkey string) (string, error) {
	var did string
	if err := w.meta.Get(ctx, "key:"+verkey, &did); err != nil {
		return "", err
	}
	return did, nil
}

// PrivateKey 实现 pack.KeyResolver
func (w *Wallet) PrivateKey(ctx context.Context, verkey string) (*[32]byte, error) {
	w.mu.RLock()
	if w.closed {
		w.mu.RUnlock()
		return nil, ErrClosed
	}
	if k, ok := w.keys[verkey]; ok {
		w.mu.RUnlock()
		return k, nil
	}
	s := w.sealer
	w.mu.RUnlock()

	sealed, err := w.secrets.Get(ctx, w.secretKey("keys", verkey))
	if err != nil {
		return nil, err
	}
	raw, err := s.open(sealed, []byte(verkey))
	if err != nil {
		return nil, err
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("wallet: key %s has %d bytes", verkey, len(raw))
	}
	k := new([32]byte)
	copy(k[:], raw)

	w.mu.Lock()
	w.keys[verkey] = k
	w.mu.Unlock()
	return k, nil
}

func (w *Wallet) SetKeyMetadata(ctx context.Context, verkey string, svc transport.Service) error {
	return w.meta.Set(ctx, "meta:key:"+verkey, svc, 0)
}

func (w *Wallet) KeyMetadata(ctx context.Context, verkey string) (transport.Service, error) {
	var svc transport.Service
	err := w.meta.Get(ctx, "meta:key:"+verkey, &svc)
	return svc, err
}

func (w *Wallet) SetDIDMetadata(ctx context.Context, did string, svc transport.Service) error {
	return w.meta.Set(ctx, "meta:did:"+did, svc, 0)
}

func (w *Wallet) DIDMetadata(ctx context.Context, did string) (transport.Service, error) {
	var svc transport.Service
	err := w.meta.Get(ctx, "meta:did:"+did, &svc)
	return svc, err
}

// LookupService 先按 DID 再按 verkey 查服务元数据
func (w *Wallet) LookupService(ctx context.Context, verkey, did string) (transport.Service, error) {
	if did != "" {
		if svc, err := w.DIDMetadata(ctx, did); err == nil {
			return svc, nil
		} else if !stderrors.Is(err, errors.ErrNotFound) {
			return transport.Service{}, err
		}
	}
	return w.KeyMetadata(ctx, verkey)
}

// Reset 删除全部私钥、口令校验值与元数据
func (w *Wallet) Reset(ctx context.Context) error {
	keys, err := w.Keys(ctx)
	if err != nil {
		return err
	}
	for _, k := range keys {
		if err := w.secrets.Delete(ctx, w.secretKey("keys", k)); err != nil {
			return errors.Wrapf(err, "delete key %s", k)
		}
	}
	for _, k := range []string{"salt", "check"} {
		if err := w.secrets.Delete(ctx, w.secretKey(k)); err != nil {
			return err
		}
	}
	w.mu.Lock()
	w.keys = make(map[string]*[32]byte)
	w.mu.Unlock()
	return w.meta.Clear(ctx)
}

// Close 丢弃内存中的私钥并关闭元数据存储
func (w *Wallet) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	for _, k := range w.keys {
		*k = [32]byte{}
	}
	w.keys = nil
	return w.meta.Close()
}
