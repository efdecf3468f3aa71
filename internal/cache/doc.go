// Copyright (c) Gateflow Authors.
// Licensed under the MIT License.

/*
包 cache 封装 go-redis 客户端，为执行队列与提交幂等键提供共享的
Redis 连接。

  - Manager：连接生命周期、后台健康检查与优雅关闭。
  - Get/Set/SetNX/GetJSON/SetJSON/Delete：基础读写。
  - Client：暴露底层客户端，供队列的 LPUSH/BRPOP/BLPOP 使用。
*/
package cache
