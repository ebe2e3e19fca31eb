package storage

const Schema = `
CREATE TABLE IF NOT EXISTS releases (
    identity TEXT PRIMARY KEY,
    page_name TEXT NOT NULL DEFAULT '',
    artist TEXT NOT NULL DEFAULT '',
    title TEXT NOT NULL DEFAULT '',
    url TEXT NOT NULL DEFAULT '',
    date TEXT NOT NULL DEFAULT '',
    embed_url TEXT NOT NULL DEFAULT '',
    release_id INTEGER,
    is_track BOOLEAN,
    description TEXT NOT NULL DEFAULT '',
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_releases_date ON releases(date);
CREATE INDEX IF NOT EXISTS idx_releases_url ON releases(url);

CREATE TABLE IF NOT EXISTS scrape_days (
    day TEXT PRIMARY KEY,
    scraped_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS release_state (
    identity TEXT PRIMARY KEY,
    viewed BOOLEAN NOT NULL DEFAULT 0,
    starred BOOLEAN NOT NULL DEFAULT 0,
    updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS embed_meta (
    url TEXT PRIMARY KEY,
    release_id INTEGER,
    is_track BOOLEAN,
    embed_url TEXT NOT NULL DEFAULT '',
    description TEXT NOT NULL DEFAULT '',
    fetched_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`
