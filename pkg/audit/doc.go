// Package audit records security-relevant auth events (sign-ins, sign-outs,
// impersonation, role changes) to the audit_logs table. Recording is
// best-effort from the caller's perspective: a failed write is logged by the
// caller and never fails the audited operation itself.
package audit
