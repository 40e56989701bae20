package postgresql

import "github.com/agentmux/agentmux/pkg/persistence/sqlbase"

func (p *Persistence) migrationManager() *sqlbase.MigrationManager {
	return sqlbase.NewMigrationManager(p.logger, p.db, migrations())
}

func migrations() map[int]string {
	return map[int]string{
		1: `
			CREATE TABLE IF NOT EXISTS run_contexts (
				run_id TEXT PRIMARY KEY,
				workflow_id TEXT NOT NULL,
				status TEXT NOT NULL,
				started_at TIMESTAMP WITH TIME ZONE NOT NULL,
				data JSONB NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
			);

			CREATE INDEX IF NOT EXISTS idx_run_contexts_workflow_id ON run_contexts (workflow_id);
			CREATE INDEX IF NOT EXISTS idx_run_contexts_status ON run_contexts (status);
		`,
	}
}
