package postgresql

func migrations() map[int]string {
	return map[int]string{
		1: `
			-- Flow versions; nodes and connections are stored as documents
			CREATE TABLE flows (
				id VARCHAR(255) PRIMARY KEY,
				version INTEGER NOT NULL DEFAULT 1,
				name VARCHAR(255) NOT NULL DEFAULT '',
				entry_node_id VARCHAR(255) NOT NULL,
				nodes JSONB NOT NULL,
				connections JSONB NOT NULL DEFAULT '[]',
				contract JSONB NOT NULL DEFAULT '{}',
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL,
				published_at TIMESTAMP WITH TIME ZONE
			);

			CREATE INDEX idx_flows_published_at ON flows(published_at);

			CREATE TABLE sessions (
				id VARCHAR(64) PRIMARY KEY,
				token VARCHAR(255) NOT NULL UNIQUE,
				flow_id VARCHAR(255) NOT NULL,
				current_node_id VARCHAR(255) NOT NULL DEFAULT '',
				state JSONB NOT NULL DEFAULT '{}',
				frames JSONB NOT NULL DEFAULT '[]',
				status VARCHAR(20) NOT NULL CHECK (status IN ('active', 'completed', 'abandoned')),
				exec_state VARCHAR(30) NOT NULL,
				pending JSONB,
				revision BIGINT NOT NULL CHECK (revision >= 1),
				state_hash VARCHAR(64) NOT NULL,
				flagged BOOLEAN NOT NULL DEFAULT false,
				last_error JSONB,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL,
				ended_at TIMESTAMP WITH TIME ZONE
			);

			CREATE INDEX idx_sessions_flow_id ON sessions(flow_id);
			CREATE INDEX idx_sessions_status_updated_at ON sessions(status, updated_at);
		`,
		2: `
			CREATE TABLE idempotency_records (
				session_id VARCHAR(64) NOT NULL,
				node_id VARCHAR(255) NOT NULL,
				revision BIGINT NOT NULL,
				status VARCHAR(20) NOT NULL CHECK (status IN ('processing', 'completed', 'failed')),
				result JSONB,
				error TEXT NOT NULL DEFAULT '',
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL,
				expires_at TIMESTAMP WITH TIME ZONE NOT NULL,
				PRIMARY KEY (session_id, node_id, revision)
			);

			CREATE INDEX idx_idempotency_records_expires_at ON idempotency_records(expires_at);
		`,
		3: `
			CREATE TABLE content_items (
				id VARCHAR(255) PRIMARY KEY,
				type VARCHAR(100) NOT NULL,
				tags TEXT[] NOT NULL DEFAULT '{}',
				content JSONB NOT NULL DEFAULT '{}',
				created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
			);

			CREATE INDEX idx_content_items_type ON content_items(type);
			CREATE INDEX idx_content_items_tags ON content_items USING GIN(tags);
		`,
	}
}
