// Package storage — файловые утилиты: каталоги под данные и атомарная запись.
// Через AtomicWriteFile пишутся файл сессии бота и снапшоты CredentialStore
// (команда backup), где полузаписанный файл хуже его отсутствия.
package storage

import (
	"fmt"
	"os"
	"path/filepath"

	"telegram-presence-bot/internal/infra/logger"
)

// filePerm: сессии и снапшоты читает только владелец процесса.
const filePerm = 0o600

// EnsureDir создаёт каталог для файла path (0o700). Путь без каталога — no-op.
func EnsureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create dir %s: %w", dir, err)
	}
	return nil
}

// AtomicWriteFile пишет data во временный файл рядом с path и переименовывает его
// поверх path. Либо остаётся старый файл, либо новый целиком.
// rename атомарен только в пределах одного тома, поэтому temp лежит в том же каталоге.
func AtomicWriteFile(path string, data []byte) error {
	clean := filepath.Clean(path)
	if err := EnsureDir(clean); err != nil {
		return err
	}
	dir := filepath.Dir(clean)

	tmp, err := os.CreateTemp(dir, "atomic-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if err := writeAndSync(tmp, data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, clean); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}

	// fsync каталога: best-effort, часть ФС его не поддерживает.
	if d, err := os.Open(dir); err == nil {
		if errSync := d.Sync(); errSync != nil {
			logger.Warnf("AtomicWriteFile: dir sync error: %v", errSync)
		}
		_ = d.Close()
	}
	return nil
}

func writeAndSync(f *os.File, data []byte) error {
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("fsync temp file: %w", err)
	}
	if err := f.Chmod(filePerm); err != nil {
		return fmt.Errorf("chmod temp file: %w", err)
	}
	return nil
}
