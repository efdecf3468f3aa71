// Package tlsutil 提供集中式 TLS 配置（TLS 1.2+，仅 AEAD 密码套件），
// 供 API 服务端监听与 gateflow health 的 HTTP 客户端使用。
package tlsutil
