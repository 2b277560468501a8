// Package internal 實現即時雙人 Pong 遊戲服務器。
//
// 連線以 WebSocket 建立，依查詢參數 channel 分組到各自獨立的房間；
// 每個房間以固定頻率執行物理模擬，並把權威狀態廣播給房間內所有連線。
//
// # 房間生命週期
//
//   - 第一位玩家連線時建立房間並啟動 tick 迴圈（playing 為 false 時空轉）
//   - 第二位玩家加入時倒數 3、2、1 後開始遊戲
//   - 得分後暫停 2 秒；有人達到勝利分數時重置並重新倒數
//   - 最後一位玩家離開時取消所有計時器並移除房間
//
// # 分層
//
//   - WebSocketHub：握手、session cookie、讀寫 goroutine
//   - Gateway：把開啟、訊息、關閉轉成房間操作
//   - Manager：房間註冊表
//   - Room：狀態機與模擬，Ball 與 Player 為純資料運算
//   - Broadcaster：房間頻道，記憶體 Hub 或經由 NATS / Redis 轉發
//   - Claims：多節點時的房間租約，同一房間只由一個節點模擬
//
// # 訊息格式
//
// 客戶端送出 {"key":"ArrowUp"} 或 {"key":"ArrowDown"} 移動拍子，
// 其他訊息原樣轉發給房間內其他連線。服務器每個 tick 廣播：
//
//	{"ball":{"x":395,"y":245},"players":[{"sessionId":"...","racketY":200,"score":0}],"play":true}
//
// 控制訊息只有 message 欄位，例如 {"message":"New game in: 3"}。
//
// # 使用範例
//
//	broadcaster := internal.NewHub(logger)
//	manager := internal.NewManager(cfg.Game, broadcaster, logger)
//	gateway := internal.NewGateway(manager, broadcaster, logger)
//	ws := internal.NewWebSocketHub(gateway, cfg.WebSocket, cfg.Server.DefaultRoom, logger)
//	handler := internal.NewHandler(manager, ws, logger)
//	log.Fatal(http.ListenAndServe(":3577", handler.Routes()))
package internal
