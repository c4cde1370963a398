package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// Watch は設定ファイルの変更を監視し、再読み込みに成功するたびに onChange を呼ぶ
// エディタの保存方式によってはファイルが置き換えられるため、親ディレクトリを監視する
// ctx がキャンセルされるまでブロックする
func Watch(ctx context.Context, path string, onChange func(*Config)) error {
	if path == "" {
		<-ctx.Done()
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("ファイル監視の作成に失敗: %w", err)
	}
	defer watcher.Close()

	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("設定ファイルパスの解決に失敗: %w", err)
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("設定ディレクトリの監視に失敗: %w", err)
	}

	// 連続した書き込みイベントをまとめる
	const settle = 200 * time.Millisecond
	var timer *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil

		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(settle)
			} else {
				timer.Reset(settle)
			}
			fire = timer.C

		case <-fire:
			fire = nil
			cfg, err := Load(path)
			if err != nil {
				log.Warn().Err(err).Str("path", path).Msg("設定の再読み込みに失敗、現在の設定を維持します")
				continue
			}
			log.Info().Str("path", path).Msg("設定を再読み込みしました")
			onChange(cfg)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn().Err(err).Msg("ファイル監視エラー")
		}
	}
}
