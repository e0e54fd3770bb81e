// Package logx is watchbot's structured logger: a thin Field/Logger layer
// over zerolog whose outputs (console, JSON file, Telegram chat) can be
// swapped at runtime by Service.Apply.
package logx
