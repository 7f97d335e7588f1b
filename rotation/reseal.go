package rotation

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hengadev/credvault"
	"github.com/hengadev/errsx"
)

// Resealer re-encrypts a sealed value in the sealer's current mode.
// *envelope.Service satisfies it.
type Resealer interface {
	Reencrypt(ctx context.Context, stored string, encCtx map[string]string) (string, error)
}

// Reseal brings one backup under the configured sealer. Backups stored in
// clear are sealed; sealed ones are re-encrypted with a fresh data key, which
// moves backups written in fallback mode under the KMS once it is available.
func (o *Orchestrator) Reseal(ctx context.Context, name string) error {
	if o.sealer == nil {
		return credvault.NewConfigurationError("sealer", "resealing backups needs a sealer")
	}
	body, err := o.backups.Get(ctx, name)
	if err != nil {
		return err
	}
	var b Backup
	if err := json.Unmarshal(body, &b); err != nil {
		return credvault.NewValidationError("backup", fmt.Sprintf("%s is not a backup: %v", name, err))
	}

	switch {
	case b.Sealed != "":
		rs, ok := o.sealer.(Resealer)
		if !ok {
			return credvault.NewConfigurationError("sealer", "the configured sealer cannot re-encrypt")
		}
		if b.Sealed, err = rs.Reencrypt(ctx, b.Sealed, backupContext(b)); err != nil {
			return fmt.Errorf("reseal %s: %w", name, err)
		}
	case len(b.Data) > 0:
		raw, err := json.Marshal(b.Data)
		if err != nil {
			return fmt.Errorf("encode backup values: %w", err)
		}
		if b.Sealed, err = o.sealer.EncryptString(ctx, string(raw), backupContext(b)); err != nil {
			return fmt.Errorf("seal %s: %w", name, err)
		}
		b.Data = nil
	default:
		return credvault.NewValidationError("backup", fmt.Sprintf("%s holds no values", name))
	}

	out, err := json.MarshalIndent(b, "", "  ")
	if err != nil {
		return fmt.Errorf("encode backup: %w", err)
	}
	if err := o.backups.Put(ctx, name, out); err != nil {
		return err
	}
	o.logger.InfoContext(ctx, "backup resealed", "backup", name, "path", b.Path)
	return nil
}

// ResealAll reseals every stored backup, continuing past failures. The error,
// if any, is an errsx.Map keyed by backup name.
func (o *Orchestrator) ResealAll(ctx context.Context) (int, error) {
	names, err := o.backups.List(ctx)
	if err != nil {
		return 0, err
	}
	var (
		done int
		errs errsx.Map
	)
	for _, name := range names {
		if err := o.Reseal(ctx, name); err != nil {
			errs.Set(name, err)
			continue
		}
		done++
	}
	if errs.IsEmpty() {
		return done, nil
	}
	return done, errs.AsError()
}
