package guard

import (
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/phan28395/PDFTEXT-sub002/internal/accesslist"
	"github.com/phan28395/PDFTEXT-sub002/internal/audit"
	"github.com/phan28395/PDFTEXT-sub002/internal/mitigation"
	"github.com/phan28395/PDFTEXT-sub002/internal/ratelimit"
)

// auditedLists emits an audit record whenever the decider promotes an
// identity to the deny list.
type auditedLists struct {
	*accesslist.Registry
	auditor mitigation.Auditor
	clock   clockwork.Clock
}

// AuditedAccessList wraps reg for the rate limit decider so automatic deny
// list promotions are audited.
func AuditedAccessList(reg *accesslist.Registry, auditor mitigation.Auditor, clock clockwork.Clock) ratelimit.AccessList {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &auditedLists{Registry: reg, auditor: auditor, clock: clock}
}

func (l *auditedLists) Deny(entry string, ttl time.Duration, reason string) error {
	if err := l.Registry.Deny(entry, ttl, reason); err != nil {
		return err
	}
	if l.auditor != nil {
		l.auditor.Emit(audit.NewRecord(l.clock.Now(), audit.ActionDeny, entry, reason).WithDuration(ttl))
	}
	return nil
}
