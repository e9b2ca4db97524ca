package db

import "database/sql"

type Setting struct {
	Key         string
	Value       string
	Category    string
	Description string
}

// SeedSettings inserts defaults without overwriting operator changes.
func SeedSettings(database *sql.DB, defaults []Setting) error {
	for _, s := range defaults {
		_, err := database.Exec(
			`INSERT OR IGNORE INTO settings (key, value, category, description) VALUES (?, ?, ?, ?)`,
			s.Key, s.Value, s.Category, s.Description,
		)
		if err != nil {
			return err
		}
	}
	return nil
}

func GetSetting(database *sql.DB, key string) (string, bool, error) {
	var value string
	err := database.QueryRow(`SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

func SetSetting(database *sql.DB, key, value, category string) error {
	_, err := database.Exec(
		`INSERT INTO settings (key, value, category, updated_at)
		 VALUES (?, ?, ?, strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, category,
	)
	return err
}
