// Copyright (c) Gateflow Authors.
// Licensed under the MIT License.

/*
包 server 管理 HTTP/HTTPS 服务器的生命周期：非阻塞启动、优雅关闭
与信号等待。gateflow serve 用它承载 API 与 /metrics 两个监听端口。

  - Manager：封装 net/http.Server 与 net.Listener，提供
    Start/Shutdown/WaitForSignal/Errors。
  - Config：监听地址、超时与可选的证书路径；配置证书后使用
    tlsutil.DefaultTLSConfig 以 TLS 监听。
*/
package server
