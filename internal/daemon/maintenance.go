package daemon

import "time"

const defaultMaintenanceCron = "0 4 * * *"

// runMaintenance fires scheduled housekeeping when the cron expression is
// due. Checked once a minute; currently the only job is archive retention.
func (d *Daemon) runMaintenance() {
	if d.arch == nil {
		return
	}
	expr := d.cfg.Maintenance.Cron
	if expr == "" {
		expr = defaultMaintenanceCron
	}
	due, err := d.cron.IsDue(expr, time.Now())
	if err != nil {
		d.log.Warn("bad maintenance cron expression", "cron", expr, "error", err)
		return
	}
	if !due {
		return
	}

	retention := d.cfg.Archive.RetentionDays
	if retention <= 0 {
		retention = 30
	}
	n, err := d.arch.Prune(time.Duration(retention) * 24 * time.Hour)
	if err != nil {
		d.log.Error("archive prune failed", "error", err)
		return
	}
	d.log.Info("archive pruned", "removed", n, "retention_days", retention)
}
