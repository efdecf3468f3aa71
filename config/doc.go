// Package config 提供 Gateflow 的配置管理功能。
//
// 配置来源按优先级叠加：默认值 → YAML 文件 → GATEFLOW_ 前缀的环境变量。
package config
