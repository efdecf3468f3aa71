// Package telemetry 封装 OpenTelemetry SDK 初始化，为 gateflow 配置
// OTLP gRPC 的 TracerProvider 与 MeterProvider。调度轮次与执行尝试的
// span 通过全局 provider 导出；禁用时保持 noop，不连接外部服务。
package telemetry
