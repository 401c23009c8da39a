package accounts

import (
	"path/filepath"
	"strings"

	"github.com/antigravity-bridge/proxy/internal/store"
)

// persistedAccount mirrors Account but exposes CredentialBundle for disk
// storage (Account.CredentialBundle is json:"-" so it never leaks through
// the HTTP listing; persistence needs the opposite).
type persistedAccount struct {
	Account
	CredentialBundle string `json:"credential_bundle"`
}

// accountsDir returns "<dataDir>/accounts".
func accountsDir(dataDir string) string {
	return filepath.Join(dataDir, "accounts")
}

func accountPath(dataDir, id string) string {
	return filepath.Join(accountsDir(dataDir), id+".json")
}

// SaveAccount writes a single account document atomically (spec §6
// "Persisted state layout": one JSON file per account under
// <data-dir>/accounts/<id>.json).
func SaveAccount(dataDir string, acct *Account) error {
	doc := persistedAccount{Account: *acct, CredentialBundle: acct.CredentialBundle}
	doc.Account.CredentialBundle = ""
	return store.WriteJSON(accountPath(dataDir, acct.ID), doc)
}

// DeleteAccountFile removes the on-disk document for id, tolerating its
// absence.
func DeleteAccountFile(dataDir, id string) error {
	return store.Remove(accountPath(dataDir, id))
}

// LoadAccounts reads every persisted account document under dataDir,
// skipping any file that fails to parse (logged by the caller) rather
// than aborting startup entirely.
func LoadAccounts(dataDir string) ([]*Account, error) {
	paths, err := store.ListJSONFiles(accountsDir(dataDir))
	if err != nil {
		return nil, err
	}
	accts := make([]*Account, 0, len(paths))
	for _, path := range paths {
		var doc persistedAccount
		if err := store.ReadJSON(path, &doc); err != nil {
			continue
		}
		acct := doc.Account
		acct.CredentialBundle = doc.CredentialBundle
		if acct.ID == "" {
			acct.ID = strings.TrimSuffix(filepath.Base(path), ".json")
		}
		accts = append(accts, &acct)
	}
	return accts, nil
}

// PersistOn subscribes to pool and writes the touched account's document
// to dataDir after every event that can change its on-disk state. It runs
// until ctx (passed to the returned stop func's caller) is done; callers
// typically run it in a goroutine from main.
func PersistOn(pool *Pool, dataDir string, stop <-chan struct{}) {
	events := pool.Subscribe()
	for {
		select {
		case <-stop:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			acct := pool.Get(ev.AccountID)
			if acct == nil {
				_ = DeleteAccountFile(dataDir, ev.AccountID)
				continue
			}
			_ = SaveAccount(dataDir, acct)
		}
	}
}
