package db

// SchemaSQL defines every table the pipeline store uses. Each record carries
// its mode and every query filters on it.
const SchemaSQL = `
    -- ==========================================================================
    -- JOB TABLE
    -- ==========================================================================
    DEFINE TABLE IF NOT EXISTS job SCHEMAFULL;
    DEFINE FIELD IF NOT EXISTS mode ON job TYPE string;
    DEFINE FIELD IF NOT EXISTS workflow ON job TYPE string;
    DEFINE FIELD IF NOT EXISTS status ON job TYPE string;
    DEFINE FIELD IF NOT EXISTS current_stage ON job TYPE int DEFAULT 0;
    DEFINE FIELD IF NOT EXISTS stage_progress ON job TYPE int DEFAULT 0;
    DEFINE FIELD IF NOT EXISTS transcript_path ON job TYPE string;
    DEFINE FIELD IF NOT EXISTS config ON job TYPE object FLEXIBLE DEFAULT {};
    DEFINE FIELD IF NOT EXISTS error_kind ON job TYPE string DEFAULT "";
    DEFINE FIELD IF NOT EXISTS error_message ON job TYPE string DEFAULT "";
    DEFINE FIELD IF NOT EXISTS created_at ON job TYPE datetime DEFAULT time::now();
    DEFINE FIELD IF NOT EXISTS started_at ON job TYPE option<datetime>;
    DEFINE FIELD IF NOT EXISTS completed_at ON job TYPE option<datetime>;
    DEFINE FIELD IF NOT EXISTS updated_at ON job TYPE datetime DEFAULT time::now();
    -- Optimistic concurrency: writers must present the version they read
    DEFINE FIELD IF NOT EXISTS version ON job TYPE int DEFAULT 1;

    DEFINE INDEX IF NOT EXISTS job_mode_status ON job FIELDS mode, status;
    DEFINE INDEX IF NOT EXISTS job_mode_created ON job FIELDS mode, created_at;

    -- ==========================================================================
    -- ARTIFACT TABLE
    -- ==========================================================================
    DEFINE TABLE IF NOT EXISTS artifact SCHEMAFULL;
    DEFINE FIELD IF NOT EXISTS mode ON artifact TYPE string;
    DEFINE FIELD IF NOT EXISTS job_id ON artifact TYPE string;
    DEFINE FIELD IF NOT EXISTS type ON artifact TYPE string;
    DEFINE FIELD IF NOT EXISTS title ON artifact TYPE string DEFAULT "";
    DEFINE FIELD IF NOT EXISTS content ON artifact TYPE string;
    DEFINE FIELD IF NOT EXISTS sections ON artifact TYPE array<object> FLEXIBLE DEFAULT [];
    -- Note: Must REMOVE then DEFINE to ensure FLEXIBLE is set (IF NOT EXISTS won't update existing field)
    REMOVE FIELD IF EXISTS sections.* ON artifact;
    DEFINE FIELD sections.* ON artifact TYPE object FLEXIBLE;
    DEFINE FIELD IF NOT EXISTS original_content ON artifact TYPE option<string>;
    DEFINE FIELD IF NOT EXISTS last_edited_at ON artifact TYPE option<datetime>;
    DEFINE FIELD IF NOT EXISTS created_at ON artifact TYPE datetime DEFAULT time::now();
    DEFINE FIELD IF NOT EXISTS updated_at ON artifact TYPE datetime DEFAULT time::now();

    -- One artifact per (job, type)
    DEFINE INDEX IF NOT EXISTS artifact_job_type ON artifact FIELDS mode, job_id, type UNIQUE;

    -- ==========================================================================
    -- ENTITY TABLE
    -- ==========================================================================
    -- Record ids are derived from (mode, slug), see models.EntityID
    DEFINE TABLE IF NOT EXISTS entity SCHEMAFULL;
    DEFINE FIELD IF NOT EXISTS mode ON entity TYPE string;
    DEFINE FIELD IF NOT EXISTS slug ON entity TYPE string;
    DEFINE FIELD IF NOT EXISTS canonical_name ON entity TYPE string;
    DEFINE FIELD IF NOT EXISTS aliases ON entity TYPE array<string> DEFAULT [];
    DEFINE FIELD IF NOT EXISTS type ON entity TYPE string;
    DEFINE FIELD IF NOT EXISTS metadata ON entity TYPE object FLEXIBLE DEFAULT {};
    DEFINE FIELD IF NOT EXISTS review_status ON entity TYPE string DEFAULT "pending";
    DEFINE FIELD IF NOT EXISTS merged_into_id ON entity TYPE option<string>;
    DEFINE FIELD IF NOT EXISTS appearance_count ON entity TYPE int DEFAULT 0;
    DEFINE FIELD IF NOT EXISTS extraction_job_id ON entity TYPE string DEFAULT "";
    DEFINE FIELD IF NOT EXISTS created_at ON entity TYPE datetime DEFAULT time::now();
    DEFINE FIELD IF NOT EXISTS updated_at ON entity TYPE datetime DEFAULT time::now();

    DEFINE INDEX IF NOT EXISTS entity_mode_slug ON entity FIELDS mode, slug UNIQUE;
    DEFINE INDEX IF NOT EXISTS entity_mode_type ON entity FIELDS mode, type;
    DEFINE INDEX IF NOT EXISTS entity_mode_review ON entity FIELDS mode, review_status;

    -- ==========================================================================
    -- APPEARANCE TABLE
    -- ==========================================================================
    DEFINE TABLE IF NOT EXISTS appearance SCHEMAFULL;
    DEFINE FIELD IF NOT EXISTS mode ON appearance TYPE string;
    DEFINE FIELD IF NOT EXISTS entity_id ON appearance TYPE string;
    DEFINE FIELD IF NOT EXISTS artifact_id ON appearance TYPE string;
    DEFINE FIELD IF NOT EXISTS job_id ON appearance TYPE string;
    DEFINE FIELD IF NOT EXISTS section_id ON appearance TYPE string DEFAULT "";
    DEFINE FIELD IF NOT EXISTS excerpt ON appearance TYPE string;
    DEFINE FIELD IF NOT EXISTS sentiment ON appearance TYPE string DEFAULT "";
    DEFINE FIELD IF NOT EXISTS created_at ON appearance TYPE datetime DEFAULT time::now();

    DEFINE INDEX IF NOT EXISTS appearance_entity ON appearance FIELDS mode, entity_id;
    DEFINE INDEX IF NOT EXISTS appearance_artifact ON appearance FIELDS mode, artifact_id;

    -- ==========================================================================
    -- CO-OCCURRENCE TABLE
    -- ==========================================================================
    -- One record per directed half-edge, keyed [mode, from_id, to_id]. Both
    -- halves of a pair are written in the same transaction.
    DEFINE TABLE IF NOT EXISTS co_occurs SCHEMAFULL;
    DEFINE FIELD IF NOT EXISTS mode ON co_occurs TYPE string;
    DEFINE FIELD IF NOT EXISTS from_id ON co_occurs TYPE string;
    DEFINE FIELD IF NOT EXISTS to_id ON co_occurs TYPE string;
    DEFINE FIELD IF NOT EXISTS count ON co_occurs TYPE int DEFAULT 0;
    DEFINE FIELD IF NOT EXISTS created_at ON co_occurs TYPE datetime DEFAULT time::now();

    DEFINE INDEX IF NOT EXISTS co_occurs_from ON co_occurs FIELDS mode, from_id;

    -- Entity set each artifact last contributed to co_occurs, keyed
    -- [mode, artifact_id]. Re-ingesting an artifact applies only the change.
    DEFINE TABLE IF NOT EXISTS doc_entities SCHEMAFULL;
    DEFINE FIELD IF NOT EXISTS mode ON doc_entities TYPE string;
    DEFINE FIELD IF NOT EXISTS artifact_id ON doc_entities TYPE string;
    DEFINE FIELD IF NOT EXISTS entity_ids ON doc_entities TYPE array<string> DEFAULT [];

    -- ==========================================================================
    -- DERIVED INDEXES
    -- ==========================================================================
    -- Rebuilt wholesale from entity metadata, keyed [mode, tag]
    DEFINE TABLE IF NOT EXISTS opportunity SCHEMAFULL;
    DEFINE FIELD IF NOT EXISTS mode ON opportunity TYPE string;
    DEFINE FIELD IF NOT EXISTS tag ON opportunity TYPE string;
    DEFINE FIELD IF NOT EXISTS entity_ids ON opportunity TYPE array<string> DEFAULT [];

    -- Rebuilt wholesale from appearances
    DEFINE TABLE IF NOT EXISTS backlink SCHEMAFULL;
    DEFINE FIELD IF NOT EXISTS mode ON backlink TYPE string;
    DEFINE FIELD IF NOT EXISTS artifact_id ON backlink TYPE string;
    DEFINE FIELD IF NOT EXISTS related_artifact_id ON backlink TYPE string;
    DEFINE FIELD IF NOT EXISTS shared_entities ON backlink TYPE int;

    DEFINE INDEX IF NOT EXISTS backlink_artifact ON backlink FIELDS mode, artifact_id;
`
