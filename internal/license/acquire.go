package license

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
)

// Acquire is the reduced "process this init data" path. It returns an
// active session for init, reloading a stored persistent license when one
// was acquired before for the same init data.
func (m *Manager) Acquire(ctx context.Context, init InitData, persistent bool) (uint32, error) {
	name := bindingName(init)
	if persistent && m.bindings != nil {
		if web, err := m.bindings.Read(name); err == nil {
			id, err := m.LoadSession(ctx, string(web))
			if err == nil {
				return id, nil
			}
			m.logger.Warnf("Stored license %s could not be loaded, requesting a new one: %v", web, err)
			m.forgetWebSession(string(web))
			_ = m.bindings.Remove(name)
		}
	}

	typ := Temporary
	if persistent {
		typ = PersistentLicense
	}
	id, err := m.CreateSession(ctx, typ, init)
	if err != nil {
		return 0, err
	}
	if err := m.AwaitActive(ctx, id); err != nil {
		return id, err
	}

	if persistent && m.bindings != nil {
		web, err := m.WebSessionID(ctx, id)
		if err != nil {
			return id, err
		}
		if err := m.bindings.Write(name, []byte(web)); err != nil {
			m.logger.Warnf("Could not remember license %s: %v", web, err)
		} else if err := m.bindings.Write(reverseName(web), []byte(name)); err != nil {
			m.logger.Warnf("Could not remember license %s: %v", web, err)
		}
	}
	return id, nil
}

func (m *Manager) forgetWebSession(web string) {
	if m.bindings == nil {
		return
	}
	rev := reverseName(web)
	if name, err := m.bindings.Read(rev); err == nil {
		_ = m.bindings.Remove(string(name))
	}
	_ = m.bindings.Remove(rev)
}

func bindingName(init InitData) string {
	h := sha256.New()
	h.Write([]byte(init.Type))
	h.Write([]byte{0})
	h.Write(init.Data)
	return "init-" + hex.EncodeToString(h.Sum(nil))
}

func reverseName(web string) string {
	return "web-" + web
}
